// Package wal — wal_test.go
//
// Covers the durability contract:
//   - Append assigns strictly increasing, gap-free sequences.
//   - Close-and-reopen replays every flushed entry in order (power loss).
//   - Ack + compact removes exactly the strictly-acked prefix.
//   - MarkAcked is idempotent and survives reopen.
//   - The health gate throttles appends at the buffer watermark and
//     recovers once lifted.
//   - Corrupt entries are reported and skipped, never silently dropped.

package wal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/fleetedge/fleetedge/internal/event"
)

// testGate is a toggleable health gate.
type testGate struct{ throttled atomic.Bool }

func (g *testGate) ShouldThrottle() bool { return g.throttled.Load() }

func telemetry(i int) event.Payload {
	return event.Payload{
		Kind: event.KindTelemetry,
		Telemetry: &event.SensorEvent{
			SensorID:   fmt.Sprintf("imu-%d", i),
			SensorType: event.SensorIMU,
			Timestamp:  time.Now().UTC(),
			IMU:        &event.IMUData{AccelX: float32(i)},
		},
	}
}

func openTestWAL(t *testing.T, dir string, opts Options) *WAL {
	t.Helper()
	w, err := Open(filepath.Join(dir, "wal.db"), opts)
	require.NoError(t, err)
	return w
}

func TestAppend_SequencesMonotonicGapFree(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), Options{})
	defer w.Close()

	var prev uint64
	for i := 0; i < 100; i++ {
		seq, err := w.Append(telemetry(i))
		require.NoError(t, err)
		require.Equal(t, prev+1, seq, "sequence must be gap-free")
		prev = seq
	}
	assert.Equal(t, uint64(100), w.LastSequence())
}

func TestAppend_ConcurrentProducersUniqueSeqs(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), Options{})
	defer w.Close()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	seqs := make(chan uint64, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq, err := w.Append(telemetry(i))
				assert.NoError(t, err)
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		require.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	require.Len(t, seen, producers*perProducer)
	assert.Equal(t, uint64(producers*perProducer), w.LastSequence())
}

func TestReplay_AfterReopen(t *testing.T) {
	// Scenario: append 1000 entries, flush every 100, "kill" the process
	// (close), restart, and expect a full ordered replay.
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{})

	for i := 0; i < 1000; i++ {
		_, err := w.Append(telemetry(i))
		require.NoError(t, err)
		if (i+1)%100 == 0 {
			for w.Pending() > 0 {
				require.NoError(t, w.Flush())
			}
		}
	}
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir, Options{})
	defer w.Close()
	assert.Equal(t, uint64(1000), w.LastSequence())

	var got []uint64
	require.NoError(t, w.Replay(0, func(e Entry) error {
		got = append(got, e.Seq)
		return nil
	}, nil))

	require.Len(t, got, 1000)
	for i, seq := range got {
		require.Equal(t, uint64(i+1), seq, "replay order")
	}
}

func TestEpoch_BumpsOnReopen(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{})
	first := w.Epoch()
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir, Options{})
	defer w.Close()
	assert.Equal(t, first+1, w.Epoch())
}

func TestAckAndCompact_RemovesStrictPrefix(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{})
	defer w.Close()

	for i := 0; i < 1000; i++ {
		_, err := w.Append(telemetry(i))
		require.NoError(t, err)
	}
	for w.Pending() > 0 {
		require.NoError(t, w.Flush())
	}

	// Collect event IDs for seq 1..500 and ack them.
	idBySeq := make(map[uint64]string)
	require.NoError(t, w.Replay(0, func(e Entry) error {
		idBySeq[e.Seq] = e.EventID
		return nil
	}, nil))
	for seq := uint64(1); seq <= 500; seq++ {
		require.NoError(t, w.MarkAcked(idBySeq[seq]))
	}

	removed, err := w.Compact()
	require.NoError(t, err)
	assert.Equal(t, 500, removed)

	var got []uint64
	require.NoError(t, w.Replay(0, func(e Entry) error {
		got = append(got, e.Seq)
		return nil
	}, nil))
	require.Len(t, got, 500)
	assert.Equal(t, uint64(501), got[0])
	assert.Equal(t, uint64(1000), got[len(got)-1])
}

func TestCompact_GapBlocksPrefix(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), Options{})
	defer w.Close()

	for i := 0; i < 10; i++ {
		_, err := w.Append(telemetry(i))
		require.NoError(t, err)
	}
	for w.Pending() > 0 {
		require.NoError(t, w.Flush())
	}

	ids := map[uint64]string{}
	require.NoError(t, w.Replay(0, func(e Entry) error {
		ids[e.Seq] = e.EventID
		return nil
	}, nil))

	// Ack 1, 2, and 4..10 — seq 3 stays unacked.
	for seq := uint64(1); seq <= 10; seq++ {
		if seq == 3 {
			continue
		}
		require.NoError(t, w.MarkAcked(ids[seq]))
	}

	removed, err := w.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "only the prefix before the unacked gap may go")
}

func TestMarkAcked_IdempotentAndDurable(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{})

	_, err := w.Append(telemetry(0))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	var id string
	require.NoError(t, w.Replay(0, func(e Entry) error {
		id = e.EventID
		return nil
	}, nil))

	require.NoError(t, w.MarkAcked(id))
	require.NoError(t, w.MarkAcked(id)) // idempotent

	acked, err := w.IsAcked(id)
	require.NoError(t, err)
	assert.True(t, acked)
	require.NoError(t, w.Close())

	// The acked set must survive restart; the in-memory view rebuilds on
	// miss.
	w = openTestWAL(t, dir, Options{})
	defer w.Close()
	acked, err = w.IsAcked(id)
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestThrottle_UnderDiskPressure(t *testing.T) {
	// Scenario: gate closed, appends accepted until the watermark, then
	// Throttled; gate lifted, flush drains, appends succeed again.
	gate := &testGate{}
	gate.throttled.Store(true)

	w := openTestWAL(t, t.TempDir(), Options{
		MaxBufferBytes: 4096,
		Gate:           gate,
	})
	defer w.Close()

	var throttled int
	for i := 0; i < 200; i++ {
		if _, err := w.Append(telemetry(i)); err != nil {
			require.ErrorIs(t, err, ErrThrottled)
			throttled++
		}
	}
	require.Greater(t, throttled, 0, "watermark must eventually refuse appends")

	// Flush is refused outright while throttled.
	require.ErrorIs(t, w.Flush(), ErrThrottled)

	gate.throttled.Store(false)
	for w.Pending() > 0 {
		require.NoError(t, w.Flush())
	}
	_, err := w.Append(telemetry(0))
	require.NoError(t, err)
}

func TestReplay_CorruptEntryReportedAndSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.db")
	w, err := Open(path, Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.Append(telemetry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	// Corrupt seq 3 directly in the store.
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], 3)
		return tx.Bucket([]byte("main")).Put(key[:], []byte("garbage"))
	}))
	require.NoError(t, db.Close())

	w, err = Open(path, Options{})
	require.NoError(t, err)
	defer w.Close()

	var got []uint64
	var corrupt []uint64
	require.NoError(t, w.Replay(0, func(e Entry) error {
		got = append(got, e.Seq)
		return nil
	}, func(ce *CorruptEntryError) {
		corrupt = append(corrupt, ce.Seq)
	}))

	assert.Equal(t, []uint64{1, 2, 4, 5}, got)
	assert.Equal(t, []uint64{3}, corrupt)
}

func TestReadWindow_SkipsAckedAndBounds(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), Options{})
	defer w.Close()

	for i := 0; i < 20; i++ {
		_, err := w.Append(telemetry(i))
		require.NoError(t, err)
	}
	for w.Pending() > 0 {
		require.NoError(t, w.Flush())
	}

	ids := map[uint64]string{}
	require.NoError(t, w.Replay(0, func(e Entry) error {
		ids[e.Seq] = e.EventID
		return nil
	}, nil))
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, w.MarkAcked(ids[seq]))
	}

	window, err := w.ReadWindow(0, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, window, 10)
	assert.Equal(t, uint64(6), window[0].Seq, "acked prefix skipped")
	assert.Equal(t, uint64(15), window[9].Seq)

	// Entry-count bound.
	window, err = w.ReadWindow(15, 3, 1<<20)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, uint64(16), window[0].Seq)
}

func TestClosed_OperationsFail(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), Options{})
	require.NoError(t, w.Close())

	_, err := w.Append(telemetry(0))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)
	_, err = w.Compact()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.MarkAcked("x"), ErrClosed)
}
