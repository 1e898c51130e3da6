// Package wal — ack.go
//
// Acknowledgement tracking.
//
// Two views of "acked": a fast in-memory set for hot lookups and the
// durable acked bucket for restart survival. MarkAcked writes both and
// syncs the durable tree before returning. IsAcked checks memory first,
// then the bucket; the in-memory set is rebuilt lazily on miss rather than
// eagerly at startup, to keep boot fast.
//
// Bucket layout: key = event_id, value = 8-byte big-endian unix-nano
// acked_at timestamp. The timestamp drives retention GC; records older than
// the retention window are removed together with their WAL entries.
//
// Monotone: once an event_id is present it is never removed except by GC
// past the retention window.

package wal

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ackManager owns the acked set. Single durable writer (bbolt), many
// readers through the in-memory set.
type ackManager struct {
	db *bolt.DB

	mu  sync.RWMutex
	set map[string]struct{}
}

func newAckManager(db *bolt.DB) *ackManager {
	return &ackManager{db: db, set: make(map[string]struct{})}
}

// markAcked commits an event ID to both views. Idempotent: re-acking is a
// no-op. Reports whether the ID was newly recorded.
func (a *ackManager) markAcked(eventID string, at time.Time) (bool, error) {
	a.mu.RLock()
	_, seen := a.set[eventID]
	a.mu.RUnlock()
	if seen {
		return false, nil
	}

	var fresh bool
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAcked))
		if b.Get([]byte(eventID)) != nil {
			return nil // Durable view already has it.
		}
		fresh = true
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(at.UnixNano()))
		return b.Put([]byte(eventID), v[:])
	})
	if err != nil {
		return false, fmt.Errorf("%w: mark acked %s: %v", ErrIO, eventID, err)
	}

	a.mu.Lock()
	a.set[eventID] = struct{}{}
	a.mu.Unlock()
	return fresh, nil
}

// isAcked checks the in-memory set, then the durable bucket. A durable hit
// repopulates the in-memory set (check-on-miss rebuild).
func (a *ackManager) isAcked(eventID string) (bool, error) {
	a.mu.RLock()
	_, ok := a.set[eventID]
	a.mu.RUnlock()
	if ok {
		return true, nil
	}

	var durable bool
	err := a.db.View(func(tx *bolt.Tx) error {
		durable = tx.Bucket([]byte(bucketAcked)).Get([]byte(eventID)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: is acked %s: %v", ErrIO, eventID, err)
	}
	if durable {
		a.mu.Lock()
		a.set[eventID] = struct{}{}
		a.mu.Unlock()
	}
	return durable, nil
}

// ackedAt returns the recorded ack time, or zero if not acked.
func (a *ackManager) ackedAt(eventID string) (time.Time, bool, error) {
	var at time.Time
	var ok bool
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketAcked)).Get([]byte(eventID))
		if v == nil || len(v) != 8 {
			return nil
		}
		at = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		ok = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: acked at %s: %v", ErrIO, eventID, err)
	}
	return at, ok, nil
}

// gc removes ack records older than the cutoff. Returns the count removed.
// Only called for records whose WAL entries are already compacted away.
func (a *ackManager) gc(cutoff time.Time) (int, error) {
	var removed []string
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAcked))
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) != 8 {
				continue
			}
			at := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			if at.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed = append(removed, string(k))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: ack gc: %v", ErrIO, err)
	}

	if len(removed) > 0 {
		a.mu.Lock()
		for _, id := range removed {
			delete(a.set, id)
		}
		a.mu.Unlock()
	}
	return len(removed), nil
}
