// Package stream — streamer_test.go
//
// Selection policy, failover, ack folding, and quarantine, driven through
// fake transports and a fake WAL handle.

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/wal"
)

// fakeLog is an in-memory Log.
type fakeLog struct {
	mu      sync.Mutex
	entries []wal.Entry
	acked   map[string]bool
}

func newFakeLog(entries []wal.Entry) *fakeLog {
	return &fakeLog{entries: entries, acked: make(map[string]bool)}
}

func (l *fakeLog) ReadWindow(after uint64, maxEntries, maxBytes int) ([]wal.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []wal.Entry
	var bytes int
	for _, e := range l.entries {
		if e.Seq <= after || l.acked[e.EventID] {
			continue
		}
		if len(out) > 0 && bytes+e.SizeBytes > maxBytes {
			break
		}
		out = append(out, e)
		bytes += e.SizeBytes
		if len(out) >= maxEntries || bytes >= maxBytes {
			break
		}
	}
	return out, nil
}

func (l *fakeLog) MarkAcked(eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acked[eventID] = true
	return nil
}

func (l *fakeLog) Compact() (int, error) { return 0, nil }

func (l *fakeLog) ackedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.acked)
}

// fakeTransport acknowledges everything synchronously unless told to fail.
type fakeTransport struct {
	name string

	mu       sync.Mutex
	sendErr  error
	probeErr error
	batches  []*Batch
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Send(_ context.Context, b *Batch) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	t.batches = append(t.batches, b)
	return b.EventIDs(), nil
}

func (t *fakeTransport) Probe(context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probeErr != nil {
		return 0, t.probeErr
	}
	return 5, nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) setDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if down {
		t.sendErr = errors.New("transport down")
		t.probeErr = errors.New("transport down")
	} else {
		t.sendErr = nil
		t.probeErr = nil
	}
}

func (t *fakeTransport) sentEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.batches {
		n += len(b.Entries)
	}
	return n
}

func noopNetwork() *BandwidthManager {
	return NewBandwidthManager(1024, 1<<20, nil, nil)
}

func testStreamer(l Log, sel *Selector) *Streamer {
	return NewStreamer(l, sel, noopNetwork(), Options{
		DeviceID:            "truck-1",
		BatchMaxEntries:     100,
		BatchMaxBytes:       1 << 20,
		ProbeInterval:       20 * time.Millisecond,
		CompactInterval:     50 * time.Millisecond,
		RescanInterval:      time.Hour,
		IdleWait:            5 * time.Millisecond,
		MaxSendRetryElapsed: 50 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── Selector policy ──────────────────────────────────────────────────────────

func TestSelector_PrefersMQTT(t *testing.T) {
	mq := &fakeTransport{name: "mqtt"}
	ht := &fakeTransport{name: "http"}
	sel := NewSelector(mq, ht, 500, nil, nil)
	sel.ProbeAll(context.Background())

	picked, err := sel.Pick()
	require.NoError(t, err)
	assert.Equal(t, "mqtt", picked.Name())
}

func TestSelector_FallsBackToHTTP(t *testing.T) {
	mq := &fakeTransport{name: "mqtt"}
	mq.setDown(true)
	ht := &fakeTransport{name: "http"}
	sel := NewSelector(mq, ht, 500, nil, nil)
	sel.ProbeAll(context.Background())

	picked, err := sel.Pick()
	require.NoError(t, err)
	assert.Equal(t, "http", picked.Name())
}

func TestSelector_ParksWhenBothDown(t *testing.T) {
	mq := &fakeTransport{name: "mqtt"}
	ht := &fakeTransport{name: "http"}
	mq.setDown(true)
	ht.setDown(true)
	sel := NewSelector(mq, ht, 500, nil, nil)
	sel.ProbeAll(context.Background())

	_, err := sel.Pick()
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestSelector_DegradedMQTTStillPreferred(t *testing.T) {
	mq := &fakeTransport{name: "mqtt"}
	ht := &fakeTransport{name: "http"}
	sel := NewSelector(mq, ht, 500, nil, nil)
	sel.ProbeAll(context.Background())
	sel.setState("mqtt", StateDegraded)

	picked, err := sel.Pick()
	require.NoError(t, err)
	assert.Equal(t, "mqtt", picked.Name())
}

// ─── Streamer ─────────────────────────────────────────────────────────────────

func TestStreamer_Failover(t *testing.T) {
	// MQTT down, HTTP up: entries flow over HTTP and get acked. MQTT
	// recovers: later batches use MQTT.
	entries := sampleEntries(10)
	logStore := newFakeLog(entries)
	mq := &fakeTransport{name: "mqtt"}
	mq.setDown(true)
	ht := &fakeTransport{name: "http"}
	sel := NewSelector(mq, ht, 500, nil, nil)
	s := testStreamer(logStore, sel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return logStore.ackedCount() == 10 },
		"all 10 entries must be delivered via http and acked")
	assert.Equal(t, 10, ht.sentEntries())
	assert.Zero(t, mq.sentEntries())

	// Revive MQTT and let the maintenance probe mark it Up before feeding
	// more entries, so the next batch is composed with MQTT available.
	mq.setDown(false)
	waitFor(t, 5*time.Second, func() bool { return sel.State("mqtt") == StateUp },
		"the probe must mark the revived mqtt transport up")
	logStore.mu.Lock()
	logStore.entries = append(logStore.entries, wal.Entry{
		Seq: 11, EventID: "ev-11", SizeBytes: 64,
		Payload: entries[0].Payload,
	})
	logStore.mu.Unlock()

	waitFor(t, 5*time.Second, func() bool { return mq.sentEntries() > 0 },
		"after recovery the next batch must use mqtt")
}

func TestStreamer_QuarantineOnServerRejected(t *testing.T) {
	entries := sampleEntries(4)
	logStore := newFakeLog(entries)
	ht := &fakeTransport{name: "http"}
	ht.sendErr = ErrServerRejected
	sel := NewSelector(nil, ht, 500, nil, nil)
	s := testStreamer(logStore, sel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// The rejected range is quarantined and skipped; the streamer does not
	// spin on it.
	waitFor(t, 5*time.Second, func() bool {
		return s.QuarantinedRanges() > 0
	}, "rejected batch must be quarantined")

	assert.True(t, s.isQuarantined(1))
	assert.True(t, s.isQuarantined(4))
	assert.False(t, s.isQuarantined(5))
	assert.Zero(t, logStore.ackedCount(), "rejected entries are never acked")
}

func TestStreamer_AsyncAcks(t *testing.T) {
	// Acks arriving through an AckSource channel (the MQTT path) are
	// folded into the log.
	logStore := newFakeLog(sampleEntries(3))
	ht := &fakeTransport{name: "http"}
	sel := NewSelector(nil, ht, 500, nil, nil)
	s := testStreamer(logStore, sel)

	acks := make(chan []string, 2)
	acks <- []string{"ev-a", "ev-b"}
	acks <- []string{"ev-b"} // duplicate ack is a no-op
	close(acks)
	s.consumeAcks(context.Background(), acks)
	assert.Equal(t, 2, logStore.ackedCount())
}

func TestRetryable_Classification(t *testing.T) {
	assert.True(t, retryable(ErrTimeout))
	assert.True(t, retryable(ErrMQTT))
	assert.True(t, retryable(ErrHTTP))
	assert.False(t, retryable(ErrServerRejected))
	assert.False(t, retryable(ErrAuthFailed))
	assert.False(t, retryable(&BatchTooLargeError{SizeBytes: 1}))
}
