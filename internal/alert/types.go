// Package alert implements the trigger → debounce → actuator pipeline.
//
// Data flow: ML / sensor / health events come in over the buses, the
// trigger engine maps them onto alerts, the debouncer enforces per-type
// cooldowns, and surviving alerts are appended to the WAL and fanned out to
// hardware actuators under a bounded concurrency cap.

package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetedge/fleetedge/internal/event"
)

// Type is the closed set of alert types.
type Type string

const (
	TypeDrowsyDriver      Type = "DrowsyDriver"
	TypeLaneDeparture     Type = "LaneDeparture"
	TypeCargoTamper       Type = "CargoTamper"
	TypeHarshBraking      Type = "HarshBraking"
	TypeRapidAcceleration Type = "RapidAcceleration"
	TypeOverSpeeding      Type = "OverSpeeding"
	TypeHighTemperature   Type = "HighTemperature"
	TypeStorageLow        Type = "StorageLow"
	TypeModuleFailure     Type = "ModuleFailure"
)

// Severity orders alert urgency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityCritical:
		return "Critical"
	case SeverityEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// ActionType is the closed set of actuator capabilities.
type ActionType string

const (
	ActionSendCanMessage ActionType = "SendCanMessage"
	ActionShowOnDisplay  ActionType = "ShowOnDisplay"
	ActionGpioPulse      ActionType = "GpioPulse"
	ActionRelayToggle    ActionType = "RelayToggle"
)

// Action is one requested actuator invocation. Target names an actuator in
// the registry; Parameters must satisfy the target's schema at dispatch
// time.
type Action struct {
	Target     string         `json:"target"`
	Type       ActionType     `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
}

// Alert is a condition requiring action. Lives only through dispatch and
// the WAL append.
type Alert struct {
	AlertID   string    `json:"alert_id"`
	Type      Type      `json:"alert_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Actions   []Action  `json:"actions"`
}

// New builds an Alert with a fresh ID, the current time, and the default
// action wiring for its type.
func New(t Type, severity Severity, message, sourceID string) Alert {
	return Alert{
		AlertID:   uuid.NewString(),
		Type:      t,
		Severity:  severity,
		Message:   message,
		SourceID:  sourceID,
		Timestamp: time.Now().UTC(),
		Actions:   DefaultActions(t),
	}
}

// Record converts the alert to its WAL-persisted form.
func (a *Alert) Record() *event.AlertRecord {
	return &event.AlertRecord{
		AlertID:   a.AlertID,
		AlertType: string(a.Type),
		Severity:  a.Severity.String(),
		Message:   a.Message,
		SourceID:  a.SourceID,
		Timestamp: a.Timestamp,
	}
}

// DefaultActions is the standard actuator wiring per alert type. Driver-
// facing alerts hit the cab display; DrowsyDriver, LaneDeparture and
// CargoTamper also sound the buzzer, and DrowsyDriver notifies the vehicle
// bus. ModuleFailure has no default actions.
func DefaultActions(t Type) []Action {
	display := Action{
		Target: "display",
		Type:   ActionShowOnDisplay,
		Parameters: map[string]any{
			"duration_ms": uint64(5000),
		},
	}
	buzzer := Action{
		Target: "buzzer",
		Type:   ActionGpioPulse,
		Parameters: map[string]any{
			"pin":         uint8(17),
			"state":       true,
			"duration_ms": uint64(1000),
		},
	}

	switch t {
	case TypeDrowsyDriver:
		return []Action{buzzer, display, {
			Target: "canbus",
			Type:   ActionSendCanMessage,
			Parameters: map[string]any{
				"can_id": uint32(0x410),
				"data":   []byte{0x01},
			},
		}}
	case TypeLaneDeparture, TypeCargoTamper:
		return []Action{buzzer, display}
	case TypeHarshBraking, TypeRapidAcceleration, TypeOverSpeeding,
		TypeHighTemperature, TypeStorageLow:
		return []Action{display}
	default:
		return nil
	}
}
