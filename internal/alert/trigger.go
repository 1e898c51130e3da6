// Package alert — trigger.go
//
// Pure trigger deciders mapping incoming events onto alerts.
//
// Triggers are stateless and total: every input yields either no alert or
// a fully formed one. Rate limiting is the debouncer's job, persistence is
// the WAL's; nothing here holds state.
//
// Decision table:
//
//	ML drowsiness    is_drowsy ∧ confidence > 0.8            → DrowsyDriver / Emergency
//	ML lane          is_departing ∧ deviation > 50px
//	                 ∧ confidence > 0.7                      → LaneDeparture / Critical
//	ML cargo         is_tampered ∧ confidence > 0.8          → CargoTamper / Critical
//	IMU              g = √(ax²+ay²+az²); g ≥ 0.8             → HarshBraking / Warning
//	                 0.6 < g < 0.8                           → RapidAcceleration / Warning
//	                 (higher band wins; 0.8 exactly is harsh)
//	OBD              speed > 120 km/h                        → OverSpeeding / Warning
//	Health           temperature critical                    → HighTemperature / Critical
//	                 disk critical                           → StorageLow / Warning

package alert

import (
	"fmt"
	"math"

	"github.com/fleetedge/fleetedge/internal/event"
)

const (
	drowsyConfidenceMin  = 0.8
	laneConfidenceMin    = 0.7
	laneDeviationPixels  = 50
	tamperConfidenceMin  = 0.8
	harshBrakingG        = 0.8
	rapidAccelerationG   = 0.6
	overSpeedingKMH      = 120
)

// Engine holds the trigger deciders. Stateless; safe for concurrent use.
type Engine struct{}

// NewEngine returns the trigger engine.
func NewEngine() *Engine { return &Engine{} }

// FromML maps an ML inference result onto at most one alert.
func (e *Engine) FromML(ev *event.MLEvent) *Alert {
	switch {
	case ev.Drowsiness != nil:
		if ev.Drowsiness.IsDrowsy && ev.CalibratedConfidence > drowsyConfidenceMin {
			a := New(TypeDrowsyDriver, SeverityEmergency,
				"Driver is drowsy - immediate attention required", ev.DeviceID)
			return &a
		}
	case ev.LaneDeparture != nil:
		l := ev.LaneDeparture
		if l.IsDeparting && l.DeviationPixels > laneDeviationPixels &&
			ev.CalibratedConfidence > laneConfidenceMin {
			a := New(TypeLaneDeparture, SeverityCritical,
				"Lane departure detected - correct steering", ev.DeviceID)
			return &a
		}
	case ev.CargoTamper != nil:
		if ev.CargoTamper.IsTampered && ev.CalibratedConfidence > tamperConfidenceMin {
			a := New(TypeCargoTamper, SeverityCritical,
				"Cargo tampering detected - check cargo area", ev.DeviceID)
			return &a
		}
	}
	return nil
}

// FromSensor maps a sensor reading onto at most one alert.
func (e *Engine) FromSensor(ev *event.SensorEvent) *Alert {
	switch {
	case ev.IMU != nil:
		imu := ev.IMU
		// The norm is compared at the sensor's float32 precision, so a
		// reading of exactly 0.6 or 0.8 meets the threshold as written.
		g := float32(math.Sqrt(float64(imu.AccelX)*float64(imu.AccelX) +
			float64(imu.AccelY)*float64(imu.AccelY) +
			float64(imu.AccelZ)*float64(imu.AccelZ)))
		switch {
		case g >= harshBrakingG:
			a := New(TypeHarshBraking, SeverityWarning,
				fmt.Sprintf("Harsh braking detected (%.2fg)", g), ev.SensorID)
			return &a
		case g > rapidAccelerationG:
			a := New(TypeRapidAcceleration, SeverityWarning,
				fmt.Sprintf("Rapid acceleration detected (%.2fg)", g), ev.SensorID)
			return &a
		}
	case ev.OBD != nil:
		if ev.OBD.SpeedKMH > overSpeedingKMH {
			a := New(TypeOverSpeeding, SeverityWarning,
				fmt.Sprintf("Over-speeding detected (%d km/h)", ev.OBD.SpeedKMH), ev.SensorID)
			return &a
		}
	}
	return nil
}

// FromHealth maps a health event onto zero or more alerts.
func (e *Engine) FromHealth(ev *event.HealthEvent) []Alert {
	if ev.Level != event.HealthCritical {
		return nil
	}
	switch ev.Resource {
	case "temperature":
		return []Alert{New(TypeHighTemperature, SeverityCritical,
			fmt.Sprintf("System temperature critical (%.1f°C)", ev.Usage.TemperatureC), ev.Resource)}
	case "disk":
		return []Alert{New(TypeStorageLow, SeverityWarning,
			fmt.Sprintf("Disk usage critical (%.1f%%)", ev.Usage.DiskPercent), ev.Resource)}
	}
	return nil
}
