// Package event defines the typed events that flow through the truck agent:
// sensor readings, ML inference results, health reports, and heartbeats.
//
// Every outbound event is wrapped in a Payload, the tagged union the WAL
// persists and the streamer ships. The union is self-describing: the Kind
// discriminator is part of the serialised form, so a reader can decode any
// envelope without out-of-band schema knowledge.
//
// Producers (sensor drivers, ML engines, the health monitor) are external
// collaborators; this package only defines the shapes they emit.

package event

import (
	"fmt"
	"time"
)

// Kind discriminates the Payload union.
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindAlert     Kind = "alert"
	KindML        Kind = "ml"
	KindHealth    Kind = "health"
	KindHeartbeat Kind = "heartbeat"
	// KindEncrypted marks a payload whose plaintext has been sealed by the
	// WAL writer. The envelope's encryption header carries the parameters
	// needed to open it.
	KindEncrypted Kind = "encrypted"
)

// Payload is the tagged union persisted in WAL envelopes. Exactly one of the
// pointer fields is non-nil, matching Kind.
type Payload struct {
	Kind      Kind            `cbor:"kind" json:"kind"`
	Telemetry *SensorEvent    `cbor:"telemetry,omitempty" json:"telemetry,omitempty"`
	Alert     *AlertRecord    `cbor:"alert,omitempty" json:"alert,omitempty"`
	ML        *MLEvent        `cbor:"ml,omitempty" json:"ml,omitempty"`
	Health    *HealthEvent    `cbor:"health,omitempty" json:"health,omitempty"`
	Heartbeat *Heartbeat      `cbor:"heartbeat,omitempty" json:"heartbeat,omitempty"`
	Encrypted *EncryptedBlob  `cbor:"encrypted,omitempty" json:"encrypted,omitempty"`
}

// Validate checks that exactly the field matching Kind is set.
func (p *Payload) Validate() error {
	var set int
	check := func(kind Kind, present bool) error {
		if present {
			set++
			if p.Kind != kind {
				return fmt.Errorf("payload kind %q does not match populated field %q", p.Kind, kind)
			}
		}
		return nil
	}
	for _, c := range []struct {
		kind    Kind
		present bool
	}{
		{KindTelemetry, p.Telemetry != nil},
		{KindAlert, p.Alert != nil},
		{KindML, p.ML != nil},
		{KindHealth, p.Health != nil},
		{KindHeartbeat, p.Heartbeat != nil},
		{KindEncrypted, p.Encrypted != nil},
	} {
		if err := check(c.kind, c.present); err != nil {
			return err
		}
	}
	if set != 1 {
		return fmt.Errorf("payload must populate exactly one variant, got %d", set)
	}
	return nil
}

// EncryptedBlob holds the sealed bytes of a payload. The AEAD parameters
// live in the envelope's encryption header, not here.
type EncryptedBlob struct {
	Ciphertext []byte `cbor:"ciphertext" json:"ciphertext"`
}

// ─── Sensors ──────────────────────────────────────────────────────────────────

// SensorType identifies the producing driver.
type SensorType string

const (
	SensorGPS  SensorType = "gps"
	SensorOBD  SensorType = "obd"
	SensorIMU  SensorType = "imu"
	SensorTPMS SensorType = "tpms"
)

// SensorEvent is one reading from a hardware sensor driver.
// Timestamps are monotone per producer.
type SensorEvent struct {
	SensorID   string     `cbor:"sensor_id" json:"sensor_id"`
	SensorType SensorType `cbor:"sensor_type" json:"sensor_type"`
	Timestamp  time.Time  `cbor:"timestamp" json:"timestamp"`
	GPS        *GPSData   `cbor:"gps,omitempty" json:"gps,omitempty"`
	OBD        *OBDData   `cbor:"obd,omitempty" json:"obd,omitempty"`
	IMU        *IMUData   `cbor:"imu,omitempty" json:"imu,omitempty"`
	TPMS       *TPMSData  `cbor:"tpms,omitempty" json:"tpms,omitempty"`
}

func (e SensorEvent) String() string {
	return fmt.Sprintf("[%s] %s @ %s", e.SensorType, e.SensorID, e.Timestamp.Format(time.RFC3339))
}

// GPSData is a GNSS fix.
type GPSData struct {
	Latitude   float64 `cbor:"latitude" json:"latitude"`
	Longitude  float64 `cbor:"longitude" json:"longitude"`
	Altitude   float32 `cbor:"altitude" json:"altitude"`
	SpeedKMH   float32 `cbor:"speed_kmh" json:"speed_kmh"`
	Heading    float32 `cbor:"heading" json:"heading"`
	Satellites uint8   `cbor:"satellites" json:"satellites"`
	FixQuality uint8   `cbor:"fix_quality" json:"fix_quality"`
}

// OBDData is one OBD-II poll cycle.
type OBDData struct {
	RPM         uint16 `cbor:"rpm" json:"rpm"`
	SpeedKMH    uint8  `cbor:"speed_kmh" json:"speed_kmh"`
	CoolantTemp int8   `cbor:"coolant_temp" json:"coolant_temp"`
	FuelLevel   uint8  `cbor:"fuel_level" json:"fuel_level"`
	EngineLoad  uint8  `cbor:"engine_load" json:"engine_load"`
	ThrottlePos uint8  `cbor:"throttle_pos" json:"throttle_pos"`
}

// IMUData is one accelerometer/gyro sample, in g and deg/s.
type IMUData struct {
	AccelX float32 `cbor:"accel_x" json:"accel_x"`
	AccelY float32 `cbor:"accel_y" json:"accel_y"`
	AccelZ float32 `cbor:"accel_z" json:"accel_z"`
	GyroX  float32 `cbor:"gyro_x" json:"gyro_x"`
	GyroY  float32 `cbor:"gyro_y" json:"gyro_y"`
	GyroZ  float32 `cbor:"gyro_z" json:"gyro_z"`
}

// TPMSData carries all four tire sensors.
type TPMSData struct {
	FrontLeft  TireSensor `cbor:"front_left" json:"front_left"`
	FrontRight TireSensor `cbor:"front_right" json:"front_right"`
	RearLeft   TireSensor `cbor:"rear_left" json:"rear_left"`
	RearRight  TireSensor `cbor:"rear_right" json:"rear_right"`
}

// TireSensor is one tire's pressure/temperature report.
type TireSensor struct {
	PressurePSI    float32 `cbor:"pressure_psi" json:"pressure_psi"`
	TemperatureC   float32 `cbor:"temperature_c" json:"temperature_c"`
	BatteryPercent uint8   `cbor:"battery_percent" json:"battery_percent"`
	Alert          bool    `cbor:"alert" json:"alert"`
}

// ─── ML inference ─────────────────────────────────────────────────────────────

// MLEvent is one inference result from an edge model, with calibrated
// confidence in [0, 1].
type MLEvent struct {
	Model                string        `cbor:"model" json:"model"`
	DeviceID             string        `cbor:"device_id" json:"device_id"`
	Timestamp            time.Time     `cbor:"timestamp" json:"timestamp"`
	CalibratedConfidence float64       `cbor:"calibrated_confidence" json:"calibrated_confidence"`
	Drowsiness           *Drowsiness   `cbor:"drowsiness,omitempty" json:"drowsiness,omitempty"`
	LaneDeparture        *LaneDeparture `cbor:"lane_departure,omitempty" json:"lane_departure,omitempty"`
	CargoTamper          *CargoTamper  `cbor:"cargo_tamper,omitempty" json:"cargo_tamper,omitempty"`
}

// Drowsiness is the driver-monitoring model output.
type Drowsiness struct {
	IsDrowsy       bool    `cbor:"is_drowsy" json:"is_drowsy"`
	EyeClosureRate float64 `cbor:"eye_closure_rate" json:"eye_closure_rate"`
}

// LaneDeparture is the lane-keeping model output.
type LaneDeparture struct {
	IsDeparting     bool `cbor:"is_departing" json:"is_departing"`
	DeviationPixels int  `cbor:"deviation_pixels" json:"deviation_pixels"`
}

// CargoTamper is the cargo-camera model output.
type CargoTamper struct {
	IsTampered bool `cbor:"is_tampered" json:"is_tampered"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

// HealthLevel classifies a resource reading against configured thresholds.
type HealthLevel string

const (
	HealthOK       HealthLevel = "ok"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// ResourceUsage is one sample of host resource consumption.
type ResourceUsage struct {
	CPUPercent      float64 `cbor:"cpu_percent" json:"cpu_percent"`
	MemoryPercent   float64 `cbor:"memory_percent" json:"memory_percent"`
	MemoryUsedBytes uint64  `cbor:"memory_used_bytes" json:"memory_used_bytes"`
	DiskPercent     float64 `cbor:"disk_percent" json:"disk_percent"`
	DiskUsedBytes   uint64  `cbor:"disk_used_bytes" json:"disk_used_bytes"`
	TemperatureC    float64 `cbor:"temperature_c" json:"temperature_c"`
}

// NetworkHealth is the measured quality of the uplink.
type NetworkHealth struct {
	LatencyMS         float64 `cbor:"latency_ms" json:"latency_ms"`
	PacketLossPercent float64 `cbor:"packet_loss_percent" json:"packet_loss_percent"`
	BandwidthKBps     float64 `cbor:"bandwidth_kbps" json:"bandwidth_kbps"`
}

// HealthEvent is emitted by the health monitor when a threshold is crossed
// or on its periodic snapshot cadence.
type HealthEvent struct {
	Timestamp time.Time     `cbor:"timestamp" json:"timestamp"`
	Level     HealthLevel   `cbor:"level" json:"level"`
	Resource  string        `cbor:"resource" json:"resource"` // cpu, memory, disk, temperature, network
	Usage     ResourceUsage `cbor:"usage" json:"usage"`
	Network   NetworkHealth `cbor:"network" json:"network"`
}

// ─── Heartbeat ────────────────────────────────────────────────────────────────

// Heartbeat is the periodic liveness event appended to the WAL so the
// back-office can distinguish "quiet truck" from "dead truck".
type Heartbeat struct {
	Timestamp       time.Time `cbor:"timestamp" json:"timestamp"`
	UptimeSec       uint64    `cbor:"uptime_sec" json:"uptime_sec"`
	MemoryUsedBytes uint64    `cbor:"memory_used_bytes" json:"memory_used_bytes"`
	DiskUsedBytes   uint64    `cbor:"disk_used_bytes" json:"disk_used_bytes"`
}

// ─── Alert record ─────────────────────────────────────────────────────────────

// AlertRecord is the WAL-persisted form of a dispatched alert. The live
// Alert type (with actuator actions) lives in internal/alert; this record
// is what ships to the back-office.
type AlertRecord struct {
	AlertID   string    `cbor:"alert_id" json:"alert_id"`
	AlertType string    `cbor:"alert_type" json:"alert_type"`
	Severity  string    `cbor:"severity" json:"severity"`
	Message   string    `cbor:"message" json:"message"`
	SourceID  string    `cbor:"source_id" json:"source_id"`
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`
}
