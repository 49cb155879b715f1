// Package meter keeps the registry of zigbee power meters in step with the bus.
//
// A meter has two persisted shapes:
//
//   - Identity: one row per hardware (IEEE) address, carrying the current
//     friendly name, base topic, model and last availability string.
//   - Record: the store-facing projection keyed by friendly name that
//     billing and dashboards read (topic, online flag).
//
// The Reconciler applies sightings, availability changes and renames to both
// shapes. Every operation is an idempotent upsert keyed by a stable
// identifier, so replaying a message converges to the same state.
//
// The online flag of a Record is only ever written from an explicit
// availability observation. Metadata-only sightings (bridge device dumps
// without availability) create a Record offline but never touch the flag
// of an existing one.
//
// When a rename is missed, the old friendly name lingers as a duplicate.
// CleanupDuplicates moves readings from every stale name of a hardware
// address onto the current name and removes the stale Records. Each step is
// best-effort and reported through CleanupResult.
package meter
