package meter

import (
	"strings"
	"time"
)

// AvailabilityOnline is the zigbee2mqtt availability string of a reachable device.
const AvailabilityOnline = "online"

// Policy reasons produced by the store.
const (
	// ReasonNewMeter is returned for meters that have no policy row yet.
	ReasonNewMeter = "new_meter"
)

// ReadingTable names a table of historical readings keyed by meter name.
type ReadingTable string

// Reading tables migrated on rename.
const (
	TableReadings        ReadingTable = "meter_readings"
	TableReadingsHistory ReadingTable = "meter_readings_history"
)

// Identity is one physical device as known to the bus.
type Identity struct {
	IEEEAddress  string    `json:"ieee_address"`
	MeterNumber  string    `json:"meter_number"`
	BaseTopic    string    `json:"base_topic"`
	LastSeen     *string   `json:"last_seen,omitempty"`
	Availability *string   `json:"availability,omitempty"`
	Model        *string   `json:"model,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Record is the store-facing projection of an Identity.
type Record struct {
	MeterNumber       string    `json:"meter_number"`
	MQTTTopic         string    `json:"mqtt_topic"`
	IsOnline          bool      `json:"is_online"`
	AvailabilityKnown bool      `json:"availability_known"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Sighting is one observation of a device, typically from a bridge device dump.
//
// A nil Availability means the observation carried no availability data and
// must not change the online flag of an existing Record.
type Sighting struct {
	HardwareID   string
	Name         string
	BaseTopic    string
	LastSeen     *string
	Availability *string
	Model        *string
}

// Rename describes an old-name to new-name transition.
type Rename struct {
	OldName    string
	NewName    string
	BaseTopic  string
	HardwareID string
}

// CleanupResult reports what CleanupDuplicates did.
type CleanupResult struct {
	StaleNames       []string
	ReadingsMigrated int64
	HistoryMigrated  int64
	Deleted          []string
	Skipped          []string
	Errors           []error
}

// Topic returns the device topic for name under base.
func Topic(base, name string) string {
	return base + "/" + name
}

// IgnoreList matches device names case-insensitively after trimming.
type IgnoreList map[string]struct{}

// NewIgnoreList builds an IgnoreList from names.
func NewIgnoreList(names ...string) IgnoreList {
	l := make(IgnoreList, len(names))
	for _, n := range names {
		if k := normaliseName(n); k != "" {
			l[k] = struct{}{}
		}
	}
	return l
}

// Contains reports whether name is ignored.
func (l IgnoreList) Contains(name string) bool {
	_, ok := l[normaliseName(name)]
	return ok
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
