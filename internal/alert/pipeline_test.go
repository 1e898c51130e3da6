// Package alert — pipeline_test.go
//
// Pipeline behaviour: cooldown end-to-end, the WAL/actuation bijection,
// and the Emergency drop-for-actuation exception.

package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetedge/fleetedge/internal/event"
)

// fakeJournal records appended payloads and can be told to fail.
type fakeJournal struct {
	mu      sync.Mutex
	entries []event.Payload
	fail    error
	seq     uint64
}

func (j *fakeJournal) Append(p event.Payload) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return 0, j.fail
	}
	j.seq++
	j.entries = append(j.entries, p)
	return j.seq, nil
}

func (j *fakeJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func newTestPipeline(journal *fakeJournal, acts map[string]*recordingActuator, cooldowns map[Type]time.Duration) (*Pipeline, *Debouncer, *fakeClock) {
	reg := NewRegistry(8, time.Second, nil, nil)
	for name, act := range acts {
		reg.Register(name, act)
	}
	deb, clock := newTestDebouncer(cooldowns, 5*time.Second)
	return NewPipeline(NewEngine(), deb, reg, journal, nil, nil), deb, clock
}

func TestPipeline_CooldownScenario(t *testing.T) {
	// 10 drowsy ML events at 100ms spacing, confidence 0.9: exactly one
	// alert dispatched and one persisted (30s cooldown).
	journal := &fakeJournal{}
	buzzer := &recordingActuator{kind: ActionGpioPulse}
	display := &recordingActuator{kind: ActionShowOnDisplay}
	canbus := &recordingActuator{kind: ActionSendCanMessage}
	p, _, clock := newTestPipeline(journal,
		map[string]*recordingActuator{"buzzer": buzzer, "display": display, "canbus": canbus},
		map[Type]time.Duration{TypeDrowsyDriver: 30 * time.Second})

	eng := NewEngine()
	for i := 0; i < 10; i++ {
		ev := event.MLEvent{
			Model:                "drowsiness",
			DeviceID:             "truck-1",
			Timestamp:            time.Now().UTC(),
			CalibratedConfidence: 0.9,
			Drowsiness:           &event.Drowsiness{IsDrowsy: true},
		}
		if a := eng.FromML(&ev); a != nil {
			p.Handle(context.Background(), a)
		}
		clock.Advance(100 * time.Millisecond)
	}

	if journal.count() != 1 {
		t.Errorf("expected exactly 1 persisted alert, got %d", journal.count())
	}
	if buzzer.calls.Load() != 1 {
		t.Errorf("expected exactly 1 buzzer dispatch, got %d", buzzer.calls.Load())
	}
}

func TestPipeline_BijectionOnWALFailure(t *testing.T) {
	// A Warning alert whose WAL append fails is not actuated either —
	// the persisted and actuated sets stay in bijection.
	journal := &fakeJournal{fail: context.DeadlineExceeded}
	display := &recordingActuator{kind: ActionShowOnDisplay}
	p, _, _ := newTestPipeline(journal,
		map[string]*recordingActuator{"display": display}, nil)

	a := New(TypeOverSpeeding, SeverityWarning, "m", "s")
	a.Actions = []Action{{Target: "display", Type: ActionShowOnDisplay}}
	p.Handle(context.Background(), &a)

	if display.calls.Load() != 0 {
		t.Error("non-Emergency alert with failed append must not be actuated")
	}
}

func TestPipeline_EmergencyActuatesDespiteWALFailure(t *testing.T) {
	journal := &fakeJournal{fail: context.DeadlineExceeded}
	buzzer := &recordingActuator{kind: ActionGpioPulse}
	p, _, _ := newTestPipeline(journal,
		map[string]*recordingActuator{"buzzer": buzzer}, nil)

	a := New(TypeDrowsyDriver, SeverityEmergency, "m", "s")
	a.Actions = []Action{{Target: "buzzer", Type: ActionGpioPulse}}
	p.Handle(context.Background(), &a)

	if buzzer.calls.Load() != 1 {
		t.Error("Emergency alert must be actuated despite WAL failure")
	}
}

func TestPipeline_PersistedRecordMatchesAlert(t *testing.T) {
	journal := &fakeJournal{}
	display := &recordingActuator{kind: ActionShowOnDisplay}
	p, _, _ := newTestPipeline(journal,
		map[string]*recordingActuator{"display": display}, nil)

	a := New(TypeLaneDeparture, SeverityCritical, "Lane departure detected", "cam-front")
	a.Actions = []Action{{Target: "display", Type: ActionShowOnDisplay}}
	p.Handle(context.Background(), &a)

	if journal.count() != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", journal.count())
	}
	rec := journal.entries[0]
	if rec.Kind != event.KindAlert || rec.Alert == nil {
		t.Fatalf("persisted payload is not an alert record: %+v", rec)
	}
	if rec.Alert.AlertID != a.AlertID || rec.Alert.AlertType != "LaneDeparture" ||
		rec.Alert.Severity != "Critical" || rec.Alert.SourceID != "cam-front" {
		t.Errorf("record fields mismatch: %+v", rec.Alert)
	}
}

func TestPipeline_RunConsumesAllBuses(t *testing.T) {
	journal := &fakeJournal{}
	display := &recordingActuator{kind: ActionShowOnDisplay}
	buzzer := &recordingActuator{kind: ActionGpioPulse}
	canbus := &recordingActuator{kind: ActionSendCanMessage}
	p, _, _ := newTestPipeline(journal,
		map[string]*recordingActuator{"display": display, "buzzer": buzzer, "canbus": canbus}, nil)

	mlCh := make(chan event.MLEvent, 1)
	sensorCh := make(chan event.SensorEvent, 1)
	healthCh := make(chan event.HealthEvent, 1)

	mlCh <- event.MLEvent{
		CalibratedConfidence: 0.95,
		Drowsiness:           &event.Drowsiness{IsDrowsy: true},
	}
	sensorCh <- event.SensorEvent{
		SensorID:   "obd-0",
		SensorType: event.SensorOBD,
		OBD:        &event.OBDData{SpeedKMH: 130},
	}
	healthCh <- event.HealthEvent{
		Level:    event.HealthCritical,
		Resource: "temperature",
		Usage:    event.ResourceUsage{TemperatureC: 80},
	}
	close(mlCh)
	close(sensorCh)
	close(healthCh)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), mlCh, sensorCh, healthCh) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain closed channels")
	}

	if journal.count() != 3 {
		t.Errorf("expected 3 persisted alerts (drowsy, overspeed, high temp), got %d", journal.count())
	}
}
