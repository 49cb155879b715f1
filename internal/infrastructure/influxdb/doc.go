// Package influxdb writes device-sync events to InfluxDB as time series.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// Two measurements are produced:
//
//   - unauthorized_power: one point per denied power-on, tagged with
//     meter, base_topic and reason, carrying the reported power/energy.
//   - meter_availability: one point per availability change.
//
// The integration is optional. Connect returns ErrDisabled when it is
// switched off in configuration, and every write on a nil or closed
// Client is a no-op.
package influxdb
