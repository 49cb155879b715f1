// Package mqtt supervises the broker connection for device sync.
//
// This package manages:
//   - The first connection, retried with doubling backoff (initial..max delay) forever
//   - Auto-reconnect after that, with every tracked subscription re-issued
//   - OnConnect callbacks, used to re-request the zigbee2mqtt device list
//   - An atomic connection state (disconnected, connecting, connected)
//   - EnsureConnected, a forced reconnect attempt before safety-critical publishes
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	client.SetLogger(logger.Component("mqtt"))
//	client.Subscribe("zigbee2mqtt/bridge/event", 1, handler)
//	client.OnConnect(func() { requestDeviceList() })
//
//	if err := client.ConnectWithRetry(ctx); err != nil {
//	    return err // only on ctx cancellation
//	}
//	defer client.Close()
//
// Connection loss is never fatal; only cancelling the context passed to
// ConnectWithRetry stops the first-connect loop.
package mqtt
