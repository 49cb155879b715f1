package z2m

// Topic segments used by zigbee2mqtt.
const (
	bridgeSegment       = "bridge"
	availabilitySegment = "availability"
	setSegment          = "set"
)

// CoordinatorName is the pseudo-device zigbee2mqtt reports for its radio.
const CoordinatorName = "coordinator"

// DeviceTopic returns the state topic of a device.
func DeviceTopic(base, device string) string {
	return base + "/" + device
}

// SetTopic returns the command topic of a device.
func SetTopic(base, device string) string {
	return base + "/" + device + "/" + setSegment
}

// DeviceListRequestTopic returns the topic that asks the bridge to
// republish its device list.
func DeviceListRequestTopic(base string) string {
	return base + "/bridge/config/devices/get"
}

// RenameRequestTopic returns the topic that asks the bridge to rename a device.
func RenameRequestTopic(base string) string {
	return base + "/bridge/request/device/rename"
}

// DevicesTopic returns the retained device list topic.
func DevicesTopic(base string) string {
	return base + "/bridge/devices"
}

// EventTopic returns the bridge event topic.
func EventTopic(base string) string {
	return base + "/bridge/event"
}

// SubscriptionTopics returns every filter the service subscribes to for base.
func SubscriptionTopics(base string) []string {
	return []string{
		DevicesTopic(base),
		EventTopic(base),
		base + "/+/" + availabilitySegment,
		base + "/+",
	}
}
