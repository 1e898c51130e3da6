// Package health — snapshot.go
//
// Persistent health snapshots.
//
// Schema (BoltDB bucket layout, own file — the WAL owns its store
// exclusively, so health keeps a separate one):
//
//	/snapshots
//	    key:   "snapshot-" + fixed-width UTC RFC3339 timestamp with
//	           nanoseconds  [sortable]
//	    value: JSON-encoded HealthEvent
//
// Retention: the last 100 snapshots are kept; older ones are pruned on
// every save.

package health

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetedge/fleetedge/internal/event"
)

const (
	bucketSnapshots = "snapshots"

	// maxSnapshots is the retained history depth.
	maxSnapshots = 100
)

// Snapshotter persists periodic health snapshots for post-incident review.
type Snapshotter struct {
	db *bolt.DB
}

// OpenSnapshotter opens (or creates) the snapshot store at path.
func OpenSnapshotter(path string) (*Snapshotter, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("health: open snapshots %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSnapshots))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("health: initialise snapshots: %w", err)
	}
	return &Snapshotter{db: db}, nil
}

// Close closes the snapshot store.
func (s *Snapshotter) Close() error { return s.db.Close() }

func snapshotKey(t time.Time) []byte {
	// Fixed-width fraction: RFC3339Nano trims trailing zeros, which would
	// break the lexicographic = chronological ordering the cursor relies on.
	return []byte("snapshot-" + t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
}

// Save persists one snapshot and prunes beyond the retention depth.
func (s *Snapshotter) Save(ev event.HealthEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("health: snapshot marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		if err := b.Put(snapshotKey(ev.Timestamp), data); err != nil {
			return err
		}

		// Prune: lexicographic order is chronological order.
		var total int
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			total++
		}
		excess := total - maxSnapshots
		if excess <= 0 {
			return nil
		}
		var toDelete [][]byte
		for k, _ := c.First(); k != nil && len(toDelete) < excess; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest returns the most recent snapshot, or (nil, nil) when empty.
func (s *Snapshotter) Latest() (*event.HealthEvent, error) {
	var ev *event.HealthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketSnapshots)).Cursor()
		_, v := c.Last()
		if v == nil {
			return nil
		}
		var decoded event.HealthEvent
		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}
		ev = &decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("health: latest snapshot: %w", err)
	}
	return ev, nil
}

// Since returns all snapshots at or after the given time, oldest first.
func (s *Snapshotter) Since(t time.Time) ([]event.HealthEvent, error) {
	var out []event.HealthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketSnapshots)).Cursor()
		for k, v := c.Seek(snapshotKey(t)); k != nil; k, v = c.Next() {
			var decoded event.HealthEvent
			if err := json.Unmarshal(v, &decoded); err != nil {
				return err
			}
			out = append(out, decoded)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("health: snapshots since: %w", err)
	}
	return out, nil
}
