// Package stream implements the store-and-forward streamer: drain WAL,
// batch, ship, ack, compact, repeat. It survives network outages without
// data loss up to disk capacity.
//
// Loop shape:
//
//	pick transport (policy in transport.go; park while both Down)
//	compose next batch after the send cursor (≤ N entries / ≤ B bytes)
//	wait for bandwidth budget (Critical batches bypass)
//	send with capped exponential backoff for transient failures
//	fold acks (sync from HTTP, async from MQTT) into the WAL acked set
//	periodically compact the WAL
//
// At-least-once: the send cursor advances on successful send, and a
// periodic rescan rewinds it to zero so anything sent-but-never-acked is
// re-sent. The server deduplicates by event_id; MarkAcked is idempotent.
//
// Quarantine: a batch the server rejects permanently is logged as poisoned
// with its seq range, skipped by every later window, and never blocks the
// pipeline. Quarantined entries stay in the WAL (they are never acked);
// once past the retention window they no longer block compaction of later
// acked entries.

package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/observability"
	"github.com/fleetedge/fleetedge/internal/wal"
)

// Log is the slice of the WAL the streamer consumes.
type Log interface {
	ReadWindow(after uint64, maxEntries, maxBytes int) ([]wal.Entry, error)
	MarkAcked(eventID string) error
	Compact() (int, error)
}

// seqRange is a closed quarantined interval.
type seqRange struct {
	first, last uint64
}

// Options configures the Streamer.
type Options struct {
	DeviceID string

	// BatchMaxEntries / BatchMaxBytes bound one batch window.
	BatchMaxEntries int
	BatchMaxBytes   int

	// ProbeInterval is the transport probe and bandwidth refresh cadence.
	ProbeInterval time.Duration

	// CompactInterval is the WAL compaction cadence.
	CompactInterval time.Duration

	// RescanInterval is how often the send cursor rewinds to re-send
	// unacked entries.
	RescanInterval time.Duration

	// IdleWait is the sleep when the WAL has nothing to send.
	IdleWait time.Duration

	// MaxSendRetryElapsed caps the per-batch retry backoff.
	MaxSendRetryElapsed time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (o *Options) withDefaults() {
	if o.BatchMaxEntries <= 0 {
		o.BatchMaxEntries = 256
	}
	if o.BatchMaxBytes <= 0 {
		o.BatchMaxBytes = 256 << 10
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 10 * time.Second
	}
	if o.CompactInterval <= 0 {
		o.CompactInterval = 30 * time.Second
	}
	if o.RescanInterval <= 0 {
		o.RescanInterval = time.Minute
	}
	if o.IdleWait <= 0 {
		o.IdleWait = 250 * time.Millisecond
	}
	if o.MaxSendRetryElapsed <= 0 {
		o.MaxSendRetryElapsed = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Streamer drains the WAL to the back-office.
type Streamer struct {
	log     Log
	sel     *Selector
	bw      *BandwidthManager
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics

	cursor     uint64
	lastRescan time.Time

	qmu         sync.RWMutex
	quarantined []seqRange
}

// NewStreamer wires the streamer.
func NewStreamer(logStore Log, sel *Selector, bw *BandwidthManager, opts Options) *Streamer {
	opts.withDefaults()
	return &Streamer{
		log:     logStore,
		sel:     sel,
		bw:      bw,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Run drives the streamer until ctx is cancelled. Cancellation is
// cooperative: the in-flight batch send finishes or times out first.
func (s *Streamer) Run(ctx context.Context) error {
	// Async ack fan-in (MQTT).
	for _, t := range s.sel.Transports() {
		if src, ok := t.(AckSource); ok {
			go s.consumeAcks(ctx, src.Acks())
		}
	}

	// Probes, bandwidth refresh, compaction.
	go s.maintenance(ctx)

	// Initial probe so the first Pick has fresh states.
	s.sel.ProbeAll(ctx)
	s.lastRescan = time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(s.lastRescan) >= s.opts.RescanInterval {
			s.cursor = 0
			s.lastRescan = time.Now()
		}

		transport, err := s.sel.Pick()
		if errors.Is(err, ErrNoTransport) {
			// Parked: wait for a probe cycle to revive a transport.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.opts.ProbeInterval):
			}
			continue
		}

		batch, err := s.nextBatch()
		if err != nil {
			s.logger.Error("batch composition failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.opts.IdleWait):
			}
			continue
		}
		if batch == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.opts.IdleWait):
			}
			continue
		}

		wireSize := 0
		for _, e := range batch.Entries {
			wireSize += e.SizeBytes
		}
		if err := s.bw.Wait(ctx, wireSize, batchCritical(batch)); err != nil {
			continue // ctx cancelled during throttle wait
		}

		s.sendBatch(ctx, transport, batch, wireSize)
	}
}

// nextBatch composes the next window after the cursor, skipping
// quarantined ranges. Returns nil when there is nothing to send.
func (s *Streamer) nextBatch() (*Batch, error) {
	entries, err := s.log.ReadWindow(s.cursor, s.opts.BatchMaxEntries, s.opts.BatchMaxBytes)
	if err != nil {
		return nil, WrapWAL(err)
	}

	filtered := entries[:0]
	for _, e := range entries {
		if s.isQuarantined(e.Seq) {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		if len(entries) > 0 {
			// Window was entirely quarantined: advance past it.
			s.cursor = entries[len(entries)-1].Seq
		}
		return nil, nil
	}
	return NewBatch(s.opts.DeviceID, filtered), nil
}

// sendBatch ships one batch with retry/backoff, folds synchronous acks,
// and updates cursor, transport health, and quarantine state.
func (s *Streamer) sendBatch(ctx context.Context, transport Transport, batch *Batch, wireSize int) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(s.opts.MaxSendRetryElapsed),
	), ctx)

	var acked []string
	err := backoff.Retry(func() error {
		ids, sendErr := transport.Send(ctx, batch)
		if sendErr != nil {
			if retryable(sendErr) {
				s.logger.Warn("batch send failed, retrying",
					zap.String("transport", transport.Name()),
					zap.String("batch_id", batch.BatchID),
					zap.Error(sendErr))
				return sendErr
			}
			return backoff.Permanent(sendErr)
		}
		acked = ids
		return nil
	}, policy)

	s.sel.ReportSend(transport.Name(), err)

	switch {
	case err == nil:
		s.cursor = batch.LastSeq()
		if s.metrics != nil {
			s.metrics.StreamBatchesSentTotal.WithLabelValues(transport.Name(), "ok").Inc()
			s.metrics.StreamEntriesSentTotal.Add(float64(len(batch.Entries)))
			s.metrics.StreamBytesSentTotal.WithLabelValues(transport.Name()).Add(float64(wireSize))
		}
		s.logger.Debug("batch sent",
			zap.String("transport", transport.Name()),
			zap.String("batch_id", batch.BatchID),
			zap.Uint64("first_seq", batch.FirstSeq()),
			zap.Uint64("last_seq", batch.LastSeq()),
			zap.Int("entries", len(batch.Entries)))
		s.handleAcks(acked)

	case errors.Is(err, ErrServerRejected):
		// Poisoned: quarantine the seq range and move on. Never blocks.
		s.qmu.Lock()
		s.quarantined = append(s.quarantined, seqRange{batch.FirstSeq(), batch.LastSeq()})
		s.qmu.Unlock()
		s.cursor = batch.LastSeq()
		if s.metrics != nil {
			s.metrics.StreamBatchesSentTotal.WithLabelValues(transport.Name(), "rejected").Inc()
			s.metrics.StreamQuarantinedTotal.Inc()
		}
		s.logger.Error("batch quarantined after permanent rejection",
			zap.String("batch_id", batch.BatchID),
			zap.Uint64("first_seq", batch.FirstSeq()),
			zap.Uint64("last_seq", batch.LastSeq()),
			zap.Error(err))

	default:
		if s.metrics != nil {
			s.metrics.StreamBatchesSentTotal.WithLabelValues(transport.Name(), "error").Inc()
		}
		s.logger.Error("batch send exhausted retries",
			zap.String("transport", transport.Name()),
			zap.String("batch_id", batch.BatchID),
			zap.Error(err))
	}
}

// consumeAcks folds an asynchronous ack stream into the WAL.
func (s *Streamer) consumeAcks(ctx context.Context, acks <-chan []string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ids, ok := <-acks:
			if !ok {
				return
			}
			s.handleAcks(ids)
		}
	}
}

// handleAcks marks each acknowledged event ID. Duplicate acks are no-ops.
func (s *Streamer) handleAcks(ids []string) {
	for _, id := range ids {
		if err := s.log.MarkAcked(id); err != nil {
			s.logger.Error("mark acked failed",
				zap.String("event_id", id), zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.StreamAcksReceivedTotal.Inc()
		}
	}
}

// maintenance runs the probe, bandwidth refresh, and compaction tickers.
func (s *Streamer) maintenance(ctx context.Context) {
	probe := time.NewTicker(s.opts.ProbeInterval)
	defer probe.Stop()
	compact := time.NewTicker(s.opts.CompactInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			s.sel.ProbeAll(ctx)
			s.bw.Refresh()
		case <-compact.C:
			if _, err := s.log.Compact(); err != nil {
				s.logger.Warn("wal compaction failed", zap.Error(err))
			}
		}
	}
}

// isQuarantined reports whether a sequence falls in a poisoned range.
func (s *Streamer) isQuarantined(seq uint64) bool {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	for _, r := range s.quarantined {
		if seq >= r.first && seq <= r.last {
			return true
		}
	}
	return false
}

// QuarantinedRanges reports how many seq ranges are currently poisoned.
func (s *Streamer) QuarantinedRanges() int {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	return len(s.quarantined)
}

// batchCritical reports whether a batch bypasses the bandwidth cap: any
// Emergency alert aboard makes the whole batch critical.
func batchCritical(b *Batch) bool {
	for _, e := range b.Entries {
		if e.Payload.Kind == event.KindAlert && e.Payload.Alert != nil &&
			e.Payload.Alert.Severity == "Emergency" {
			return true
		}
	}
	return false
}
