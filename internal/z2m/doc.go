// Package z2m classifies zigbee2mqtt bus traffic and routes it to the
// meter reconciler and the power enforcer.
//
// Classify turns a raw (topic, payload) pair into an Event whose Kind is
// one of state change, availability, device list, bridge event or
// unstructured. Matching is tried per configured base topic in that
// precedence order:
//
//	<base>/<device>               {"state": ...}       state change
//	<base>/<device>/availability  {"state":"online"}   availability
//	<base>/bridge/devices         [ {...}, ... ]       device list
//	<base>/bridge/event           {"type": ...}        bridge event
//
// Payloads are decoded as JSON when possible and kept as a string
// otherwise; decoding never fails.
//
// Router dispatches classified events. It is safe for concurrent use as
// long as its collaborators are.
package z2m
