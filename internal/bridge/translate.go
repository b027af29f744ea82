package bridge

import "github.com/petalacloud/roomsense/internal/sensor"

// lowBatteryThreshold is the battery percentage below which a
// device.battery_low event is produced.
const lowBatteryThreshold = 20.0

// Rule translates one vendor payload field into a canonical event.
type Rule struct {
	// Field is the vendor payload key this rule inspects.
	Field string

	// Translate produces the event type, value, and unit for the field's
	// raw value. ok=false means the field's value does not produce an
	// event (e.g. a healthy battery level).
	Translate func(v any) (t sensor.EventType, value any, unit string, ok bool)
}

// Rules is the translation dispatch table, evaluated in order: the first
// rule whose field is present in the payload (and whose Translate
// accepts the value) wins. The order is a contract — occupancy beats
// motion beats contact beats temperature beats humidity beats battery.
var Rules = []Rule{
	{
		Field: "occupancy",
		Translate: func(v any) (sensor.EventType, any, string, bool) {
			if truthy(v) {
				return sensor.OccupancyDetected, true, "", true
			}
			return sensor.OccupancyCleared, false, "", true
		},
	},
	{
		Field: "motion",
		Translate: func(v any) (sensor.EventType, any, string, bool) {
			if truthy(v) {
				return sensor.MotionDetected, true, "", true
			}
			return sensor.MotionCleared, false, "", true
		},
	},
	{
		// Contact sensors report "closed" as a truthy contact signal.
		// The emitted boolean answers "is the door open", so the value
		// is the logical inverse of the raw reading. Load-bearing:
		// downstream consumers rely on this inversion.
		Field: "contact",
		Translate: func(v any) (sensor.EventType, any, string, bool) {
			if truthy(v) {
				return sensor.DoorClosed, false, "", true
			}
			return sensor.DoorOpened, true, "", true
		},
	},
	{
		Field: "temperature",
		Translate: func(v any) (sensor.EventType, any, string, bool) {
			f, ok := asFloat(v)
			if !ok {
				return "", nil, "", false
			}
			return sensor.TemperatureChanged, f, "°C", true
		},
	},
	{
		Field: "humidity",
		Translate: func(v any) (sensor.EventType, any, string, bool) {
			f, ok := asFloat(v)
			if !ok {
				return "", nil, "", false
			}
			return sensor.HumidityChanged, f, "%", true
		},
	},
	{
		Field: "battery",
		Translate: func(v any) (sensor.EventType, any, string, bool) {
			f, ok := asFloat(v)
			if !ok || f >= lowBatteryThreshold {
				return "", nil, "", false
			}
			return sensor.BatteryLow, f, "%", true
		},
	},
}

// Translate maps a vendor device payload to at most one canonical event
// using the ordered Rules table. ok=false means no rule matched; the
// update is still re-emitted raw by the caller, it just carries no
// canonical meaning.
func Translate(payload map[string]any) (t sensor.EventType, value any, unit string, ok bool) {
	for _, r := range Rules {
		v, present := payload[r.Field]
		if !present {
			continue
		}
		if t, value, unit, ok = r.Translate(v); ok {
			return t, value, unit, true
		}
		// Field present but produced no event (e.g. battery >= 20%):
		// the rule consumed its priority slot, keep scanning lower
		// priority fields.
	}
	return "", nil, "", false
}

// truthy interprets a decoded JSON value as a boolean signal.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != "" && x != "false" && x != "OFF" && x != "off"
	case nil:
		return false
	default:
		return true
	}
}

// asFloat extracts a numeric reading from a decoded JSON value.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}
