package bridge

import (
	"testing"

	"github.com/petalacloud/roomsense/internal/sensor"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name      string
		payload   map[string]any
		wantType  sensor.EventType
		wantValue any
		wantUnit  string
		wantOK    bool
	}{
		{
			name:      "occupancy detected",
			payload:   map[string]any{"occupancy": true},
			wantType:  sensor.OccupancyDetected,
			wantValue: true,
			wantOK:    true,
		},
		{
			name:      "occupancy cleared",
			payload:   map[string]any{"occupancy": false},
			wantType:  sensor.OccupancyCleared,
			wantValue: false,
			wantOK:    true,
		},
		{
			name:      "motion",
			payload:   map[string]any{"motion": true},
			wantType:  sensor.MotionDetected,
			wantValue: true,
			wantOK:    true,
		},
		{
			// Raw contact=true means the sensor halves touch: door closed.
			// The emitted value answers "is the door open" and must invert.
			name:      "contact closed inverts",
			payload:   map[string]any{"contact": true},
			wantType:  sensor.DoorClosed,
			wantValue: false,
			wantOK:    true,
		},
		{
			name:      "contact open inverts",
			payload:   map[string]any{"contact": false},
			wantType:  sensor.DoorOpened,
			wantValue: true,
			wantOK:    true,
		},
		{
			name:      "temperature",
			payload:   map[string]any{"temperature": 22.5},
			wantType:  sensor.TemperatureChanged,
			wantValue: 22.5,
			wantUnit:  "°C",
			wantOK:    true,
		},
		{
			name:      "humidity",
			payload:   map[string]any{"humidity": 41.0},
			wantType:  sensor.HumidityChanged,
			wantValue: 41.0,
			wantUnit:  "%",
			wantOK:    true,
		},
		{
			name:      "low battery",
			payload:   map[string]any{"battery": 15.0},
			wantType:  sensor.BatteryLow,
			wantValue: 15.0,
			wantUnit:  "%",
			wantOK:    true,
		},
		{
			name:    "healthy battery is silent",
			payload: map[string]any{"battery": 80.0},
			wantOK:  false,
		},
		{
			name:    "threshold battery is silent",
			payload: map[string]any{"battery": 20.0},
			wantOK:  false,
		},
		{
			name:    "nothing translatable",
			payload: map[string]any{"linkquality": 134.0, "voltage": 3000.0},
			wantOK:  false,
		},
		{
			// Multiple fields present: priority order decides.
			name:      "occupancy beats temperature",
			payload:   map[string]any{"temperature": 22.5, "occupancy": true, "battery": 15.0},
			wantType:  sensor.OccupancyDetected,
			wantValue: true,
			wantOK:    true,
		},
		{
			name:      "motion beats contact",
			payload:   map[string]any{"contact": false, "motion": true},
			wantType:  sensor.MotionDetected,
			wantValue: true,
			wantOK:    true,
		},
		{
			// A silent higher-priority field yields its slot to lower ones.
			name:      "healthy battery yields to humidity",
			payload:   map[string]any{"battery": 90.0, "humidity": 55.0},
			wantType:  sensor.HumidityChanged,
			wantValue: 55.0,
			wantUnit:  "%",
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evType, value, unit, ok := Translate(tt.payload)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if evType != tt.wantType {
				t.Errorf("type = %q, want %q", evType, tt.wantType)
			}
			if value != tt.wantValue {
				t.Errorf("value = %v, want %v", value, tt.wantValue)
			}
			if unit != tt.wantUnit {
				t.Errorf("unit = %q, want %q", unit, tt.wantUnit)
			}
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{1.0, true},
		{0.0, false},
		{"ON", true},
		{"OFF", false},
		{"off", false},
		{"false", false},
		{"", false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := truthy(tt.in); got != tt.want {
			t.Errorf("truthy(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
