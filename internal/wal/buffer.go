// Package wal — buffer.go
//
// In-memory write buffer between Append and Flush.
//
// Append is cheap: it encodes the payload (size accounting needs the
// encoded length anyway), takes the next sequence, and queues the entry.
// Flush drains a bounded batch.
//
// Watermark behaviour:
//   - Below the byte watermark, Append never blocks.
//   - At or above the watermark with the health gate open, Append blocks
//     until a flush makes room (or the WAL closes).
//   - At or above the watermark with the gate closed, Append fails with
//     ErrThrottled — backpressure reaches producers instead of memory.

package wal

import (
	"sync"
)

// pending is one buffered entry with its pre-encoded raw payload.
type pending struct {
	entry      Entry
	rawPayload []byte
}

// writeBuffer is the bounded append queue. All fields guarded by mu.
type writeBuffer struct {
	mu        sync.Mutex
	notFull   *sync.Cond
	queue     []pending
	sizeBytes int
	maxBytes  int
	closed    bool
}

func newWriteBuffer(maxBytes int) *writeBuffer {
	b := &writeBuffer{maxBytes: maxBytes}
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// push queues an entry. The sequence is taken from alloc under the buffer
// lock so queue order always matches sequence order. throttled reports the
// health gate state; when the buffer is at its watermark it decides between
// blocking (gate open) and ErrThrottled (gate closed).
func (b *writeBuffer) push(p pending, alloc func() uint64, throttled func() bool) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.sizeBytes >= b.maxBytes {
		if b.closed {
			return 0, ErrClosed
		}
		if throttled() {
			return 0, ErrThrottled
		}
		b.notFull.Wait()
	}
	if b.closed {
		return 0, ErrClosed
	}
	p.entry.Seq = alloc()
	b.queue = append(b.queue, p)
	b.sizeBytes += len(p.rawPayload)
	return p.entry.Seq, nil
}

// drain removes up to maxEntries / maxBytes worth of pending entries.
// Returns nil when the buffer is empty.
func (b *writeBuffer) drain(maxEntries, maxBytes int) []pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	var (
		n     int
		bytes int
	)
	for n < len(b.queue) && n < maxEntries {
		sz := len(b.queue[n].rawPayload)
		if n > 0 && bytes+sz > maxBytes {
			break
		}
		bytes += sz
		n++
	}
	batch := make([]pending, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.sizeBytes -= bytes
	b.notFull.Broadcast()
	return batch
}

// requeue puts a failed batch back at the head, preserving order.
func (b *writeBuffer) requeue(batch []pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(batch, b.queue...)
	for _, p := range batch {
		b.sizeBytes += len(p.rawPayload)
	}
}

// len returns the number of buffered entries.
func (b *writeBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// close wakes all blocked appenders; subsequent pushes fail with ErrClosed.
func (b *writeBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.notFull.Broadcast()
}
