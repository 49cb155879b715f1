// Package authz memoizes power-on authorization decisions per meter.
//
// A Cache answers Check(meter) from a fresh entry when one exists and
// otherwise calls the policy Source synchronously. Entries older than the
// TTL are treated as absent. Source failures fail open with reason
// "error_allow" and are never cached, so the next check retries the source.
//
// Storage is a jellydator/ttlcache with a 10x TTL hard expiry; Sweep
// removes entries past that bound on the health cadence.
package authz
