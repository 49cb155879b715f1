// Package devicesync wires the bus supervisor, the message router and the
// authorization cache into the long-running device-sync service.
//
// Service.Run subscribes to every configured base topic, connects with
// unbounded retry, and then runs two periodic loops until the context is
// cancelled:
//
//   - refresh: asks every bridge for its device list, immediately and then
//     every refresh interval, skipping ticks while disconnected.
//   - health: logs connection state, enforcement flag and cache size,
//     updates gauges and sweeps stale authorization decisions.
//
// Device-list requests triggered by bridge events go through a per-base
// rate limiter so a burst of announces produces a bounded number of
// requests. Requests issued on (re)connect and by the refresh loop are
// not limited.
package devicesync
