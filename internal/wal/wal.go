// Package wal implements the durable, ordered write-ahead log for outbound
// truck events.
//
// Schema (BoltDB bucket layout):
//
//	/main
//	    key:   seq  [8 bytes, big-endian u64 — monotonic, sortable]
//	    value: CBOR envelope (see codec.go)
//
//	/acked
//	    key:   event_id
//	    value: acked_at  [8 bytes, big-endian unix-nano]
//
//	/meta
//	    key:   "schema_version" → "1"
//	    key:   "epoch"          → 8-byte big-endian u64, bumped on Open
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers). Flushing is serialised behind flushMu; the flush holder
//     drains a bounded batch to prevent head-of-line stalls.
//   - Sequence allocation is atomic; multiple producers may Append
//     concurrently.
//   - All writes use ACID transactions; a committed transaction is synced.
//
// Durability contract:
//   - Append returns once the entry is accepted into the in-memory buffer.
//   - Flush forces buffered entries to storage. Only flushed entries are
//     guaranteed to survive a crash.
//   - An entry is removed only after its event_id is acked AND every lower
//     sequence is acked or past the retention window (prefix compaction).
//
// Failure modes:
//   - Disk full: Flush fails with ErrDiskFull; the batch is requeued.
//   - Health throttle: Flush fails with ErrThrottled; Append keeps
//     accepting until the buffer watermark, then fails with ErrThrottled.
//   - Corrupt entry: replay reports CorruptEntryError for the sequence and
//     continues at the next decodable one.

package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/observability"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketMain  = "main"
	bucketAcked = "acked"
	bucketMeta  = "meta"
)

// HealthGate is the capability the WAL consults before accepting writes.
// Implemented by the health monitor.
type HealthGate interface {
	// ShouldThrottle reports whether writes must be refused right now.
	ShouldThrottle() bool
}

// openGate never throttles. Used when no health monitor is wired.
type openGate struct{}

func (openGate) ShouldThrottle() bool { return false }

// Options configures Open.
type Options struct {
	// MaxBufferBytes is the in-memory buffer watermark. Default 4 MiB.
	MaxBufferBytes int

	// FlushInterval is the background flush cadence. Default 500ms.
	FlushInterval time.Duration

	// MaxFlushEntries / MaxFlushBytes bound one flush batch.
	// Defaults 512 / 1 MiB.
	MaxFlushEntries int
	MaxFlushBytes   int

	// CompressionThreshold is the encoded payload size above which zstd is
	// applied. Default 4096.
	CompressionThreshold int

	// Keys enables AEAD sealing when non-nil.
	Keys KeyProvider

	// Retention is how long unacked entries block compaction and acked
	// records are kept. Default 24h.
	Retention time.Duration

	// Gate is the health throttle capability. Defaults to an open gate.
	Gate HealthGate

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (o *Options) withDefaults() {
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = 4 << 20
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.MaxFlushEntries <= 0 {
		o.MaxFlushEntries = 512
	}
	if o.MaxFlushBytes <= 0 {
		o.MaxFlushBytes = 1 << 20
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = 4096
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Gate == nil {
		o.Gate = openGate{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// WAL is the durable ordered log. Safe for concurrent use.
type WAL struct {
	db      *bolt.DB
	log     *zap.Logger
	metrics *observability.Metrics
	codec   *codec
	opts    Options

	buf  *writeBuffer
	acks *ackManager

	flushMu sync.Mutex

	// lastSeq is the last assigned sequence. Allocation happens under the
	// buffer lock so queue order matches sequence order.
	lastSeq atomic.Uint64

	epoch  uint64
	closed atomic.Bool
}

// Open opens (or creates) the WAL at the given path, initialises buckets,
// verifies the schema version, and bumps the writer epoch.
func Open(path string, opts Options) (*WAL, error) {
	opts.withDefaults()

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrIO, path, err)
	}

	var sealer *Sealer
	if opts.Keys != nil {
		sealer = NewSealer(opts.Keys)
	}
	c, err := newCodec(opts.CompressionThreshold, sealer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	w := &WAL{
		db:      db,
		log:     opts.Logger,
		metrics: opts.Metrics,
		codec:   c,
		opts:    opts,
		buf:     newWriteBuffer(opts.MaxBufferBytes),
		acks:    newAckManager(db),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketMain, bucketAcked, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if v := meta.Get([]byte("schema_version")); v == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return err
			}
		} else if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, agent requires %q",
				string(v), SchemaVersion)
		}

		// Bump the writer epoch.
		var epoch uint64
		if v := meta.Get([]byte("epoch")); len(v) == 8 {
			epoch = binary.BigEndian.Uint64(v)
		}
		epoch++
		w.epoch = epoch
		var ev [8]byte
		binary.BigEndian.PutUint64(ev[:], epoch)
		if err := meta.Put([]byte("epoch"), ev[:]); err != nil {
			return err
		}

		// Resume the sequence counter from the highest stored key.
		c := tx.Bucket([]byte(bucketMain)).Cursor()
		if k, _ := c.Last(); len(k) == 8 {
			w.lastSeq.Store(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initialise %q: %v", ErrIO, path, err)
	}

	return w, nil
}

// Epoch returns the writer epoch assigned at Open.
func (w *WAL) Epoch() uint64 { return w.epoch }

// LastSequence returns the highest sequence assigned so far (0 if none).
func (w *WAL) LastSequence() uint64 { return w.lastSeq.Load() }

// Append assigns the next sequence and buffers the entry. Returns once the
// entry is accepted into the in-memory buffer; durability requires Flush.
//
// While the health gate throttles, Append keeps accepting until the buffer
// watermark, then fails with ErrThrottled. With the gate open, Append at
// the watermark blocks until a flush makes room.
func (w *WAL) Append(p event.Payload) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSerialize, err)
	}

	raw, err := w.codec.encodePayload(&p)
	if err != nil {
		return 0, err
	}

	pend := pending{
		entry: Entry{
			EventID:   uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Payload:   p,
			SizeBytes: len(raw),
		},
		rawPayload: raw,
	}

	seq, err := w.buf.push(pend, func() uint64 {
		return w.lastSeq.Add(1)
	}, w.opts.Gate.ShouldThrottle)
	if err != nil {
		return 0, err
	}
	if w.metrics != nil {
		w.metrics.WALAppendsTotal.Inc()
		w.metrics.WALPendingEntries.Set(float64(w.buf.len()))
	}
	return seq, nil
}

// Flush forces buffered entries to storage with a storage-level sync.
// Drains at most one bounded batch; call again (or rely on the background
// loop) until Pending reports zero to drain everything.
func (w *WAL) Flush() error {
	if w.closed.Load() {
		return ErrClosed
	}
	return w.flushBatch()
}

func (w *WAL) flushBatch() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if w.opts.Gate.ShouldThrottle() {
		if w.metrics != nil {
			w.metrics.WALThrottled.Set(1)
			w.metrics.WALFlushesTotal.WithLabelValues("throttled").Inc()
		}
		return ErrThrottled
	}
	if w.metrics != nil {
		w.metrics.WALThrottled.Set(0)
	}

	batch := w.buf.drain(w.opts.MaxFlushEntries, w.opts.MaxFlushBytes)
	if batch == nil {
		return nil
	}

	start := time.Now()
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMain))
		for i := range batch {
			stored, err := w.codec.encodeEnvelope(&batch[i].entry, batch[i].rawPayload)
			if err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], batch[i].entry.Seq)
			if err := b.Put(key[:], stored); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.buf.requeue(batch)
		if isDiskFull(err) {
			if w.metrics != nil {
				w.metrics.WALFlushesTotal.WithLabelValues("disk_full").Inc()
			}
			return fmt.Errorf("%w: %v", ErrDiskFull, err)
		}
		if errors.Is(err, ErrSerialize) {
			if w.metrics != nil {
				w.metrics.WALFlushesTotal.WithLabelValues("error").Inc()
			}
			return err
		}
		if w.metrics != nil {
			w.metrics.WALFlushesTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("%w: flush: %v", ErrIO, err)
	}

	if w.metrics != nil {
		w.metrics.WALFlushesTotal.WithLabelValues("ok").Inc()
		w.metrics.WALFlushLatency.Observe(time.Since(start).Seconds())
		w.metrics.WALPendingEntries.Set(float64(w.buf.len()))
	}
	w.log.Debug("wal flush",
		zap.Int("entries", len(batch)),
		zap.Uint64("last_seq", batch[len(batch)-1].entry.Seq))
	return nil
}

// Pending returns the number of buffered, unflushed entries.
func (w *WAL) Pending() int { return w.buf.len() }

// Run drives the background flush and retention loops until ctx is
// cancelled. Intended to be started once by the supervisor.
func (w *WAL) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(w.opts.FlushInterval)
	defer flushTicker.Stop()
	gcTicker := time.NewTicker(time.Minute)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushTicker.C:
			for w.buf.len() > 0 {
				if err := w.flushBatch(); err != nil {
					if !errors.Is(err, ErrThrottled) {
						w.log.Error("background flush failed", zap.Error(err))
					}
					break
				}
			}
		case <-gcTicker.C:
			cutoff := time.Now().Add(-w.opts.Retention)
			if n, err := w.acks.gc(cutoff); err != nil {
				w.log.Warn("ack retention gc failed", zap.Error(err))
			} else if n > 0 {
				w.log.Info("ack retention gc", zap.Int("removed", n))
			}
		}
	}
}

// Replay streams stored entries with seq >= start in increasing order.
// fn returning an error stops the scan and propagates the error. Corrupt
// entries are reported to onCorrupt (may be nil), logged, counted, and
// skipped — never silently dropped.
func (w *WAL) Replay(start uint64, fn func(Entry) error, onCorrupt func(*CorruptEntryError)) error {
	if w.closed.Load() {
		return ErrClosed
	}
	var startKey [8]byte
	binary.BigEndian.PutUint64(startKey[:], start)

	return w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketMain)).Cursor()
		for k, v := c.Seek(startKey[:]); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			entry, err := w.codec.decodeEnvelope(v)
			if err != nil {
				cerr := &CorruptEntryError{Seq: seq, Err: err}
				w.log.Error("corrupt wal entry", zap.Uint64("seq", seq), zap.Error(err))
				if w.metrics != nil {
					w.metrics.WALCorruptEntriesTotal.Inc()
				}
				if onCorrupt != nil {
					onCorrupt(cerr)
				}
				continue
			}
			if w.metrics != nil {
				w.metrics.WALEntriesReplayedTotal.Inc()
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// readWindowChunk bounds one storage scan while composing a window.
const readWindowChunk = 512

// ReadWindow returns up to maxEntries / maxBytes of unacked entries with
// seq > after, in increasing order. Used by the streamer to compose
// batches. Corrupt entries are skipped with a count.
//
// The scan runs in chunks so the ack lookups (which may open their own
// read transactions) never nest inside the storage cursor's transaction.
func (w *WAL) ReadWindow(after uint64, maxEntries, maxBytes int) ([]Entry, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	var out []Entry
	var bytes int
	next := after + 1

	for {
		var chunk []Entry
		var scanned int
		err := w.db.View(func(tx *bolt.Tx) error {
			var startKey [8]byte
			binary.BigEndian.PutUint64(startKey[:], next)
			c := tx.Bucket([]byte(bucketMain)).Cursor()
			for k, v := c.Seek(startKey[:]); k != nil && scanned < readWindowChunk; k, v = c.Next() {
				scanned++
				seq := binary.BigEndian.Uint64(k)
				entry, derr := w.codec.decodeEnvelope(v)
				if derr != nil {
					if w.metrics != nil {
						w.metrics.WALCorruptEntriesTotal.Inc()
					}
					w.log.Error("corrupt wal entry skipped in window",
						zap.Uint64("seq", seq), zap.Error(derr))
					next = seq + 1
					continue
				}
				chunk = append(chunk, entry)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: read window: %v", ErrIO, err)
		}
		if scanned == 0 {
			return out, nil
		}
		if len(chunk) == 0 {
			continue // Chunk was entirely corrupt; next already advanced.
		}

		for _, e := range chunk {
			next = e.Seq + 1
			acked, err := w.acks.isAcked(e.EventID)
			if err != nil {
				return nil, err
			}
			if acked {
				continue
			}
			if len(out) > 0 && bytes+e.SizeBytes > maxBytes {
				return out, nil
			}
			out = append(out, e)
			bytes += e.SizeBytes
			if len(out) >= maxEntries || bytes >= maxBytes {
				return out, nil
			}
		}
	}
}

// MarkAcked commits an event ID to the persistent acked set. Idempotent.
func (w *WAL) MarkAcked(eventID string) error {
	if w.closed.Load() {
		return ErrClosed
	}
	fresh, err := w.acks.markAcked(eventID, time.Now().UTC())
	if err != nil {
		return err
	}
	if fresh {
		if w.metrics != nil {
			w.metrics.WALEventsAckedTotal.Inc()
		}
		w.log.Debug("event acked", zap.String("event_id", eventID))
	}
	return nil
}

// IsAcked reports whether an event ID is in the acked set.
func (w *WAL) IsAcked(eventID string) (bool, error) {
	if w.closed.Load() {
		return false, ErrClosed
	}
	return w.acks.isAcked(eventID)
}

// Compact removes the acked entries of the longest compactable prefix:
// entries up to the greatest seq such that every entry with seq at or below
// it is acked or past the retention window. Unacked entries inside that
// prefix stay in the log. Returns the number of entries removed.
//
// A corrupt (undecodable) entry blocks the prefix: its event_id cannot be
// proven acked, and Compact never removes an entry outside the acked set.
func (w *WAL) Compact() (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	expireBefore := time.Now().Add(-w.opts.Retention)

	var removed int
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMain))
		ackb := tx.Bucket([]byte(bucketAcked))
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry, err := w.codec.decodeEnvelope(v)
			if err != nil {
				break // Corrupt entry blocks the prefix.
			}
			acked := ackb.Get([]byte(entry.EventID)) != nil
			expired := entry.Timestamp.Before(expireBefore)
			if !acked && !expired {
				break
			}
			if !acked {
				continue // Expired: no longer blocks the prefix, but is kept.
			}
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("%w: compact: %v", ErrIO, err)
	}
	if removed > 0 {
		if w.metrics != nil {
			w.metrics.WALCompactedTotal.Add(float64(removed))
		}
		w.log.Info("wal compacted", zap.Int("removed", removed))
	}
	return removed, nil
}

// Close flushes remaining entries (best effort), then closes the store.
// Subsequent operations fail with ErrClosed.
func (w *WAL) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	w.buf.close()

	// Final drain. Throttle no longer applies: shutting down without
	// persisting buffered entries loses data for certain.
	w.flushMu.Lock()
	for {
		batch := w.buf.drain(w.opts.MaxFlushEntries, w.opts.MaxFlushBytes)
		if batch == nil {
			break
		}
		err := w.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucketMain))
			for i := range batch {
				stored, err := w.codec.encodeEnvelope(&batch[i].entry, batch[i].rawPayload)
				if err != nil {
					return err
				}
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], batch[i].entry.Seq)
				if err := b.Put(key[:], stored); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			w.log.Error("final flush failed, entries lost", zap.Int("entries", len(batch)), zap.Error(err))
			break
		}
	}
	w.flushMu.Unlock()

	if err := w.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}

// isDiskFull reports whether an error chain indicates an out-of-space
// condition from the backing store.
func isDiskFull(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no space left")
}
