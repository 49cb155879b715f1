package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementUnauthorizedPower = "unauthorized_power"
	MeasurementAvailability      = "meter_availability"
)

// WriteUnauthorizedAttempt records a denied power-on. Power and energy
// are written only when the device reported them.
func (c *Client) WriteUnauthorizedAttempt(meter, baseTopic, reason string, power, energy *float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(unauthorizedPoint(meter, baseTopic, reason, power, energy, time.Now()))
}

// WriteAvailability records a meter going online or offline.
func (c *Client) WriteAvailability(meter string, online bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(availabilityPoint(meter, online, time.Now()))
}

func unauthorizedPoint(meter, baseTopic, reason string, power, energy *float64, at time.Time) *write.Point {
	// Influx rejects points without fields; count is always present.
	fields := map[string]interface{}{"count": 1}
	if power != nil {
		fields["power"] = *power
	}
	if energy != nil {
		fields["energy"] = *energy
	}
	return write.NewPoint(
		MeasurementUnauthorizedPower,
		map[string]string{
			"meter":      meter,
			"base_topic": baseTopic,
			"reason":     reason,
		},
		fields,
		at,
	)
}

func availabilityPoint(meter string, online bool, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementAvailability,
		map[string]string{"meter": meter},
		map[string]interface{}{"online": online},
		at,
	)
}
