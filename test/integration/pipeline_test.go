// Integration test: events → trigger → debounce → WAL → streamer →
// (fake) transport → ack → compaction, with the real WAL on disk.

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/alert"
	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/stream"
	"github.com/fleetedge/fleetedge/internal/wal"
)

// ackingTransport acknowledges every entry it receives.
type ackingTransport struct {
	name string
	mu   sync.Mutex
	ids  []string
}

func (t *ackingTransport) Name() string { return t.name }

func (t *ackingTransport) Send(_ context.Context, b *stream.Batch) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := b.EventIDs()
	t.ids = append(t.ids, ids...)
	return ids, nil
}

func (t *ackingTransport) Probe(context.Context) (float64, error) { return 3, nil }
func (t *ackingTransport) Close() error                           { return nil }

func (t *ackingTransport) delivered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

// countingActuator counts invocations.
type countingActuator struct {
	kind  alert.ActionType
	mu    sync.Mutex
	calls int
}

func (a *countingActuator) Kind() alert.ActionType { return a.kind }

func (a *countingActuator) Trigger(context.Context, *alert.Alert, alert.Action) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return nil
}

func (a *countingActuator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestEndToEnd_AlertToAckedAndCompacted(t *testing.T) {
	dir := t.TempDir()
	journal, err := wal.Open(filepath.Join(dir, "wal.db"), wal.Options{
		FlushInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer journal.Close()

	// Alert pipeline with real triggers, real debounce, fake actuators.
	registry := alert.NewRegistry(8, time.Second, nil, nil)
	buzzer := &countingActuator{kind: alert.ActionGpioPulse}
	display := &countingActuator{kind: alert.ActionShowOnDisplay}
	canbus := &countingActuator{kind: alert.ActionSendCanMessage}
	registry.Register("buzzer", buzzer)
	registry.Register("display", display)
	registry.Register("canbus", canbus)

	debouncer := alert.NewDebouncer(map[alert.Type]time.Duration{
		alert.TypeDrowsyDriver: 30 * time.Second,
	}, 5*time.Second, nil)
	pipeline := alert.NewPipeline(alert.NewEngine(), debouncer, registry, journal, nil, nil)

	mlCh := make(chan event.MLEvent, 16)
	sensorCh := make(chan event.SensorEvent, 16)
	healthCh := make(chan event.HealthEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = journal.Run(ctx) }()
	go func() { _ = pipeline.Run(ctx, mlCh, sensorCh, healthCh) }()

	// Streamer with a fake always-acking transport.
	transport := &ackingTransport{name: "mqtt"}
	sel := stream.NewSelector(transport, nil, 500, nil, nil)
	bw := stream.NewBandwidthManager(1024, 1<<20, nil, nil)
	streamer := stream.NewStreamer(journal, sel, bw, stream.Options{
		DeviceID:        "truck-1",
		BatchMaxEntries: 64,
		BatchMaxBytes:   1 << 20,
		ProbeInterval:   20 * time.Millisecond,
		CompactInterval: 50 * time.Millisecond,
		IdleWait:        10 * time.Millisecond,
	})
	go func() { _ = streamer.Run(ctx) }()

	// Fire a burst of drowsy events (one alert after debounce) and a
	// stretch of telemetry.
	for i := 0; i < 5; i++ {
		mlCh <- event.MLEvent{
			Model:                "drowsiness",
			DeviceID:             "truck-1",
			Timestamp:            time.Now().UTC(),
			CalibratedConfidence: 0.95,
			Drowsiness:           &event.Drowsiness{IsDrowsy: true},
		}
	}
	for i := 0; i < 20; i++ {
		sensorCh <- event.SensorEvent{
			SensorID:   "imu-0",
			SensorType: event.SensorIMU,
			Timestamp:  time.Now().UTC(),
			IMU:        &event.IMUData{AccelX: 0.1},
		}
	}

	// One alert dispatched to all three default actuators.
	waitFor(t, 5*time.Second, func() bool { return buzzer.count() == 1 },
		"exactly one drowsy alert must reach the buzzer")
	assert.Equal(t, 1, display.count())

	// The alert record reaches the transport and is acked.
	waitFor(t, 5*time.Second, func() bool { return transport.delivered() >= 1 },
		"alert entry must be streamed")
	waitFor(t, 5*time.Second, func() bool {
		acked, err := journal.IsAcked(transport.idAt(0))
		return err == nil && acked
	}, "delivered entry must be acked")

	// Compaction eventually removes the acked prefix.
	waitFor(t, 5*time.Second, func() bool {
		var count int
		_ = journal.Replay(0, func(wal.Entry) error {
			count++
			return nil
		}, nil)
		return count == 0
	}, "fully acked log must compact to empty")
}

func (t *ackingTransport) idAt(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.ids) {
		return ""
	}
	return t.ids[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
