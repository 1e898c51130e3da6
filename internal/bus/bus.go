// Package bus provides the in-process broadcast channels connecting
// producers (sensor drivers, ML engines, the health monitor) to consumers
// (the alert pipeline, the WAL feeder).
//
// Two overflow policies:
//
//   - DropOldest: telemetry and raw sensor fan-out. A slow consumer loses
//     the oldest queued event; the drop counter records it. Ordering per
//     producer is preserved for delivered events.
//   - Block: alert and ML fan-out. Publish blocks until every subscriber
//     has space (backpressure reaches the producer); queue depth is
//     exported as a lag gauge.
//
// Within a single producer, order is preserved to each subscriber.
// Cross-producer order is not guaranteed.

package bus

import (
	"sync"

	"github.com/fleetedge/fleetedge/internal/observability"
)

// Policy selects the overflow behaviour of a Broadcaster.
type Policy int

const (
	// DropOldest evicts the oldest queued event when a subscriber is full.
	DropOldest Policy = iota

	// Block applies backpressure to the publisher.
	Block
)

// subscriber is one consumer's queue.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// Broadcaster fans events out to any number of subscribers.
type Broadcaster[T any] struct {
	name     string
	policy   Policy
	capacity int
	metrics  *observability.Metrics

	mu     sync.Mutex
	subs   []*subscriber[T]
	closed bool
}

// New creates a Broadcaster. name labels the bus in metrics; capacity is
// each subscriber's queue depth.
func New[T any](name string, policy Policy, capacity int, metrics *observability.Metrics) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		name:     name,
		policy:   policy,
		capacity: capacity,
		metrics:  metrics,
	}
}

// Subscribe registers a consumer. The returned cancel func detaches the
// subscriber; in-flight publishes observe the detach through the done
// channel. The data channel is closed only by bus Close (which must run
// after producers have stopped), so a cancelled subscriber simply stops
// reading.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber[T]{
		ch:   make(chan T, b.capacity),
		done: make(chan struct{}),
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(sub.done)
					break
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber per the bus policy.
// Returns the number of subscribers that received the event.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	subs := make([]*subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BusEventsPublishedTotal.WithLabelValues(b.name).Inc()
	}

	delivered := 0
	maxLag := 0
	for _, sub := range subs {
		switch b.policy {
		case DropOldest:
		drop:
			for {
				select {
				case sub.ch <- v:
					delivered++
					break drop
				default:
					// Full: evict the oldest and retry.
					select {
					case <-sub.ch:
						if b.metrics != nil {
							b.metrics.BusEventsDroppedTotal.WithLabelValues(b.name).Inc()
						}
					case <-sub.done:
						break drop
					}
				}
			}
		case Block:
			select {
			case sub.ch <- v:
				delivered++
			case <-sub.done:
			}
		}
		if lag := len(sub.ch); lag > maxLag {
			maxLag = lag
		}
	}
	if b.metrics != nil {
		b.metrics.BusSubscriberLag.WithLabelValues(b.name).Set(float64(maxLag))
	}
	return delivered
}

// Close detaches and closes all subscriber channels. Publish after Close
// is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.done)
		close(sub.ch)
	}
	b.subs = nil
}
