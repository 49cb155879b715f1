package z2m

import "strings"

// Kind tags a classified message.
type Kind uint8

// Message kinds in classification precedence order.
const (
	KindUnstructured Kind = iota
	KindStateChange
	KindAvailability
	KindDeviceList
	KindBridgeEvent
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindStateChange:
		return "state_change"
	case KindAvailability:
		return "availability"
	case KindDeviceList:
		return "device_list"
	case KindBridgeEvent:
		return "bridge_event"
	default:
		return "unstructured"
	}
}

// Event is a classified bus message. Which fields are set depends on Kind.
type Event struct {
	Kind      Kind
	Topic     string
	BaseTopic string

	// Device is set for state changes and availability.
	Device string

	// State and Fields are set for state changes.
	State  string
	Fields map[string]any

	// Online is set for availability.
	Online bool

	// Devices is set for device lists.
	Devices []Device

	// Bridge is set for bridge events.
	Bridge BridgeEvent

	// Payload is the decoded payload, kept for unstructured messages.
	Payload any
}

// StateChange returns the state change carried by e.
func (e Event) StateChange() StateChange {
	return StateChange{
		Device:    e.Device,
		State:     e.State,
		BaseTopic: e.BaseTopic,
		Fields:    e.Fields,
	}
}

// StateChange is a device reporting its switch state.
type StateChange struct {
	Device    string
	State     string
	BaseTopic string
	Fields    map[string]any
}

// Float returns a numeric field of the state payload, if present.
func (s StateChange) Float(key string) (float64, bool) {
	f, ok := s.Fields[key].(float64)
	return f, ok
}

// Classify decodes payload and tags the message. Base topics are tried in
// order; the first one that yields a kind wins.
func Classify(bases []string, topic string, payload []byte) Event {
	decoded := Decode(payload)
	for _, base := range bases {
		if ev, ok := classifyBase(base, topic, decoded); ok {
			return ev
		}
	}
	return Event{Kind: KindUnstructured, Topic: topic, Payload: decoded}
}

func classifyBase(base, topic string, decoded any) (Event, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok || rest == "" {
		return Event{}, false
	}
	ev := Event{Topic: topic, BaseTopic: base, Payload: decoded}
	segments := strings.Split(rest, "/")

	// <base>/<device> with a state field.
	if len(segments) == 1 && segments[0] != bridgeSegment {
		if m, ok := decoded.(map[string]any); ok {
			if state := stateString(m["state"]); state != "" {
				ev.Kind = KindStateChange
				ev.Device = segments[0]
				ev.State = state
				ev.Fields = m
				return ev, true
			}
		}
	}

	// <base>/<device>/.../availability
	if len(segments) >= 2 && segments[len(segments)-1] == availabilitySegment && segments[0] != bridgeSegment {
		ev.Kind = KindAvailability
		ev.Device = segments[0]
		ev.Online = isOnline(decoded)
		return ev, true
	}

	if len(segments) == 2 && segments[0] == bridgeSegment {
		switch segments[1] {
		case "devices":
			if list, ok := decoded.([]any); ok {
				ev.Kind = KindDeviceList
				ev.Devices = parseDevices(list)
				return ev, true
			}
		case "event":
			if m, ok := decoded.(map[string]any); ok {
				if be := parseBridgeEvent(m); be.Type != "" {
					ev.Kind = KindBridgeEvent
					ev.Bridge = be
					return ev, true
				}
			}
		}
	}
	return Event{}, false
}

func isOnline(decoded any) bool {
	switch v := decoded.(type) {
	case map[string]any:
		return stateString(v["state"]) == "online"
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "online")
	default:
		return false
	}
}
