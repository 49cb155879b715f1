package z2m

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bridge event types.
const (
	EventDeviceRenamed   = "device_renamed"
	EventDeviceAnnounce  = "device_announce"
	EventDeviceInterview = "device_interview"
)

// Decode parses payload as JSON. Anything that is not valid JSON is
// returned as a string; an empty payload yields nil.
func Decode(payload []byte) any {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

// Device is one entry of a bridge device list.
type Device struct {
	IEEEAddress  string
	FriendlyName string
	Type         string
	Availability *string
	LastSeen     *string
	Model        *string
}

// IsCoordinator reports whether the entry is the bridge's own radio.
func (d Device) IsCoordinator() bool {
	return strings.EqualFold(strings.TrimSpace(d.Type), CoordinatorName)
}

// parseDevices converts a decoded device list. Entries that are not
// objects are dropped.
func parseDevices(list []any) []Device {
	devices := make([]Device, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		devices = append(devices, parseDevice(m))
	}
	return devices
}

func parseDevice(m map[string]any) Device {
	d := Device{
		IEEEAddress: firstString(m, "ieee_address", "ieee"),
		Type:        stringField(m, "type"),
	}
	d.FriendlyName = firstString(m, "friendly_name", "friendlyName")
	if d.FriendlyName == "" {
		d.FriendlyName = d.IEEEAddress
	}

	switch a := m["availability"].(type) {
	case map[string]any:
		d.Availability = optional(stringField(a, "state"))
	case string:
		d.Availability = optional(a)
	}

	switch ls := firstValue(m, "last_seen", "lastSeen").(type) {
	case string:
		d.LastSeen = optional(ls)
	case float64:
		// Epoch milliseconds when last_seen is configured as "epoch".
		d.LastSeen = optional(time.UnixMilli(int64(ls)).UTC().Format(time.RFC3339))
	}

	if def, ok := m["definition"].(map[string]any); ok {
		d.Model = optional(stringField(def, "model"))
	} else {
		d.Model = optional(stringField(m, "model"))
	}
	return d
}

// BridgeEvent is a decoded <base>/bridge/event message.
type BridgeEvent struct {
	Type         string
	From         string
	To           string
	IEEEAddress  string
	FriendlyName string
}

func parseBridgeEvent(m map[string]any) BridgeEvent {
	ev := BridgeEvent{Type: stringField(m, "type")}
	data, _ := m["data"].(map[string]any)
	if data == nil {
		return ev
	}
	ev.From = stringField(data, "from")
	ev.To = stringField(data, "to")
	ev.IEEEAddress = stringField(data, "ieee_address")
	ev.FriendlyName = stringField(data, "friendly_name")
	return ev
}

// stateString renders a state field as zigbee2mqtt sends it.
func stateString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
