// Package sensor defines the canonical sensor event schema shared by the
// mesh gateway, the Zigbee bridge, and the occupancy engine. Every
// protocol translator produces events in this shape; consumers never see
// vendor payloads.
package sensor

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed enumeration of canonical event types.
type EventType string

const (
	OccupancyDetected     EventType = "occupancy.detected"
	OccupancyCleared      EventType = "occupancy.cleared"
	OccupancyCountChanged EventType = "occupancy.count_changed"
	MotionDetected        EventType = "motion.detected"
	MotionCleared         EventType = "motion.cleared"
	DoorOpened            EventType = "door.opened"
	DoorClosed            EventType = "door.closed"
	TemperatureChanged    EventType = "temperature.changed"
	HumidityChanged       EventType = "humidity.changed"
	BatteryLow            EventType = "device.battery_low"

	// Domain events published by the booking/reception services.
	PatientArrived  EventType = "patient.arrived"
	PatientDeparted EventType = "patient.departed"
)

// knownTypes is the classification allowlist. A message whose type field
// is not listed here is treated as non-sensor traffic.
var knownTypes = map[EventType]bool{
	OccupancyDetected:     true,
	OccupancyCleared:      true,
	OccupancyCountChanged: true,
	MotionDetected:        true,
	MotionCleared:         true,
	DoorOpened:            true,
	DoorClosed:            true,
	TemperatureChanged:    true,
	HumidityChanged:       true,
	BatteryLow:            true,
	PatientArrived:        true,
	PatientDeparted:       true,
}

// Known reports whether t is a recognized canonical event type.
func Known(t EventType) bool {
	return knownTypes[t]
}

// Metadata carries optional context attached to an event by its producer.
type Metadata struct {
	Room       string  `json:"room,omitempty"`
	Zone       string  `json:"zone,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Event is a canonical sensor event. Events are immutable once
// constructed; producers hand them to consumers by value.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	DeviceID      string    `json:"device_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	Vertical      string    `json:"petala,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Value         any       `json:"value"`
	Unit          string    `json:"unit,omitempty"`
	PreviousValue any       `json:"previous_value,omitempty"`
	Metadata      Metadata  `json:"metadata,omitempty"`
}

// wireEvent mirrors Event for classification, with a raw timestamp so a
// missing or malformed field degrades gracefully instead of failing the
// whole message.
type wireEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	DeviceID      string          `json:"device_id"`
	TenantID      string          `json:"tenant_id"`
	Vertical      string          `json:"petala"`
	Timestamp     string          `json:"timestamp"`
	Value         json.RawMessage `json:"value"`
	Unit          string          `json:"unit"`
	PreviousValue json.RawMessage `json:"previous_value"`
	Metadata      Metadata        `json:"metadata"`
}

// Classify attempts to interpret a raw message payload as a canonical
// sensor event. Classification requires, at minimum, a recognized type
// field, a device identifier, and a value field; anything less is
// ordinary non-sensor traffic and returns ok=false. A missing ID or
// timestamp is filled in (UUID, current time) — producers upstream of
// the mesh are not required to supply them.
func Classify(payload []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, false
	}

	if !Known(EventType(w.Type)) || w.DeviceID == "" || len(w.Value) == 0 {
		return Event{}, false
	}

	ev := Event{
		ID:        w.ID,
		Type:      EventType(w.Type),
		DeviceID:  w.DeviceID,
		TenantID:  w.TenantID,
		Vertical:  w.Vertical,
		Unit:      w.Unit,
		Metadata:  w.Metadata,
		Timestamp: time.Now().UTC(),
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}

	ev.Value = decodeValue(w.Value)
	if len(w.PreviousValue) > 0 {
		ev.PreviousValue = decodeValue(w.PreviousValue)
	}

	return ev, true
}

// NumericValue returns the event value as a float64 when it carries one.
func (e Event) NumericValue() (float64, bool) {
	switch v := e.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// BoolValue returns the event value as a bool when it carries one.
func (e Event) BoolValue() (bool, bool) {
	b, ok := e.Value.(bool)
	return b, ok
}

// decodeValue unmarshals a raw JSON value into the loosest matching Go
// type (bool, float64, string, or structured).
func decodeValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
