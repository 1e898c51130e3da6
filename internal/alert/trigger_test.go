// Package alert — trigger_test.go
//
// Unit tests for the pure trigger deciders.
//
// Test coverage:
//   - ML drowsiness / lane departure / cargo tamper thresholds
//   - Confidence boundaries (exactly at threshold → no alert)
//   - IMU g-force bands, including g=0.8 exactly → HarshBraking
//   - OBD speed boundary: 120 not over-speeding, 121 is
//   - Health critical mapping

package alert

import (
	"math"
	"testing"
	"time"

	"github.com/fleetedge/fleetedge/internal/event"
)

func mlEvent(confidence float64) event.MLEvent {
	return event.MLEvent{
		Model:                "test",
		DeviceID:             "truck-1",
		Timestamp:            time.Now().UTC(),
		CalibratedConfidence: confidence,
	}
}

func imuWithG(g float64) event.SensorEvent {
	// Put the whole magnitude on one axis; the trigger computes the norm.
	return event.SensorEvent{
		SensorID:   "imu-0",
		SensorType: event.SensorIMU,
		Timestamp:  time.Now().UTC(),
		IMU:        &event.IMUData{AccelX: float32(g)},
	}
}

func obdWithSpeed(kmh uint8) event.SensorEvent {
	return event.SensorEvent{
		SensorID:   "obd-0",
		SensorType: event.SensorOBD,
		Timestamp:  time.Now().UTC(),
		OBD:        &event.OBDData{SpeedKMH: kmh},
	}
}

// ─── ML triggers ──────────────────────────────────────────────────────────────

func TestFromML_Drowsiness(t *testing.T) {
	eng := NewEngine()

	tests := []struct {
		name       string
		isDrowsy   bool
		confidence float64
		want       bool
	}{
		{"drowsy high confidence", true, 0.9, true},
		{"drowsy at threshold", true, 0.8, false}, // strict >
		{"drowsy low confidence", true, 0.5, false},
		{"awake high confidence", false, 0.99, false},
	}
	for _, tt := range tests {
		ev := mlEvent(tt.confidence)
		ev.Drowsiness = &event.Drowsiness{IsDrowsy: tt.isDrowsy}
		got := eng.FromML(&ev)
		if (got != nil) != tt.want {
			t.Errorf("%s: got alert=%v, want %v", tt.name, got != nil, tt.want)
		}
		if got != nil {
			if got.Type != TypeDrowsyDriver {
				t.Errorf("%s: type = %s, want DrowsyDriver", tt.name, got.Type)
			}
			if got.Severity != SeverityEmergency {
				t.Errorf("%s: severity = %s, want Emergency", tt.name, got.Severity)
			}
		}
	}
}

func TestFromML_LaneDeparture(t *testing.T) {
	eng := NewEngine()

	tests := []struct {
		name       string
		departing  bool
		deviation  int
		confidence float64
		want       bool
	}{
		{"departing far", true, 80, 0.8, true},
		{"deviation at threshold", true, 50, 0.8, false}, // strict >
		{"confidence too low", true, 80, 0.7, false},
		{"not departing", false, 80, 0.9, false},
	}
	for _, tt := range tests {
		ev := mlEvent(tt.confidence)
		ev.LaneDeparture = &event.LaneDeparture{IsDeparting: tt.departing, DeviationPixels: tt.deviation}
		got := eng.FromML(&ev)
		if (got != nil) != tt.want {
			t.Errorf("%s: got alert=%v, want %v", tt.name, got != nil, tt.want)
		}
		if got != nil && got.Severity != SeverityCritical {
			t.Errorf("%s: severity = %s, want Critical", tt.name, got.Severity)
		}
	}
}

func TestFromML_CargoTamper(t *testing.T) {
	eng := NewEngine()

	ev := mlEvent(0.85)
	ev.CargoTamper = &event.CargoTamper{IsTampered: true}
	got := eng.FromML(&ev)
	if got == nil || got.Type != TypeCargoTamper {
		t.Fatalf("expected CargoTamper alert, got %+v", got)
	}

	ev = mlEvent(0.8)
	ev.CargoTamper = &event.CargoTamper{IsTampered: true}
	if eng.FromML(&ev) != nil {
		t.Error("confidence exactly 0.8 must not trigger (strict >)")
	}
}

// ─── Sensor triggers ──────────────────────────────────────────────────────────

func TestFromSensor_IMUBands(t *testing.T) {
	eng := NewEngine()

	tests := []struct {
		g    float64
		want Type // "" = no alert
	}{
		{0.3, ""},
		{0.6, ""},    // band is strict > 0.6
		{0.61, TypeRapidAcceleration},
		{0.79, TypeRapidAcceleration},
		{0.8, TypeHarshBraking}, // inclusive upper band: exactly 0.8 is harsh
		{1.5, TypeHarshBraking},
	}
	for _, tt := range tests {
		ev := imuWithG(tt.g)
		got := eng.FromSensor(&ev)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("g=%.2f: unexpected alert %s", tt.g, got.Type)
		case tt.want != "" && got == nil:
			t.Errorf("g=%.2f: expected %s, got none", tt.g, tt.want)
		case tt.want != "" && got.Type != tt.want:
			t.Errorf("g=%.2f: got %s, want %s", tt.g, got.Type, tt.want)
		}
	}
}

func TestFromSensor_IMUNormAcrossAxes(t *testing.T) {
	eng := NewEngine()

	// 0.5 on two axes and 0.5 on a third: norm = 0.5·√3 ≈ 0.866 → harsh.
	ev := event.SensorEvent{
		SensorID:   "imu-0",
		SensorType: event.SensorIMU,
		Timestamp:  time.Now().UTC(),
		IMU:        &event.IMUData{AccelX: 0.5, AccelY: 0.5, AccelZ: 0.5},
	}
	got := eng.FromSensor(&ev)
	if got == nil || got.Type != TypeHarshBraking {
		t.Fatalf("norm %.3f should be harsh braking, got %+v", math.Sqrt(0.75), got)
	}
}

func TestFromSensor_OBDSpeedBoundary(t *testing.T) {
	eng := NewEngine()

	ev := obdWithSpeed(120)
	if eng.FromSensor(&ev) != nil {
		t.Error("120 km/h must not be over-speeding")
	}
	ev = obdWithSpeed(121)
	got := eng.FromSensor(&ev)
	if got == nil || got.Type != TypeOverSpeeding {
		t.Fatalf("121 km/h must be over-speeding, got %+v", got)
	}
}

// ─── Health triggers ──────────────────────────────────────────────────────────

func TestFromHealth_CriticalMapping(t *testing.T) {
	eng := NewEngine()

	temp := event.HealthEvent{
		Level:    event.HealthCritical,
		Resource: "temperature",
		Usage:    event.ResourceUsage{TemperatureC: 81},
	}
	alerts := eng.FromHealth(&temp)
	if len(alerts) != 1 || alerts[0].Type != TypeHighTemperature {
		t.Fatalf("expected HighTemperature, got %+v", alerts)
	}

	disk := event.HealthEvent{
		Level:    event.HealthCritical,
		Resource: "disk",
		Usage:    event.ResourceUsage{DiskPercent: 92},
	}
	alerts = eng.FromHealth(&disk)
	if len(alerts) != 1 || alerts[0].Type != TypeStorageLow {
		t.Fatalf("expected StorageLow, got %+v", alerts)
	}

	warn := event.HealthEvent{Level: event.HealthWarning, Resource: "temperature"}
	if len(eng.FromHealth(&warn)) != 0 {
		t.Error("warning level must not raise alerts")
	}
}

// Triggers must be total: every input yields nil or a value, never panics.
func TestTriggers_TotalOnEmptyEvents(t *testing.T) {
	eng := NewEngine()

	empty := event.SensorEvent{SensorID: "x", SensorType: event.SensorGPS, Timestamp: time.Now()}
	if eng.FromSensor(&empty) != nil {
		t.Error("GPS-only event must not trigger")
	}
	ml := mlEvent(0.99)
	if eng.FromML(&ml) != nil {
		t.Error("ML event without a result must not trigger")
	}
	health := event.HealthEvent{Level: event.HealthCritical, Resource: "cpu"}
	if got := eng.FromHealth(&health); len(got) != 0 {
		t.Error("unmapped critical resource must return an empty slice")
	}
}
