// Package wal — errors.go
//
// Closed error set for the write-ahead log. Callers classify with
// errors.Is / errors.As; other subsystems convert at their boundary
// (the streamer wraps these as stream.ErrWAL).

package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrIO wraps storage-level I/O failures.
	ErrIO = errors.New("wal: io error")

	// ErrSerialize wraps envelope or payload codec failures.
	ErrSerialize = errors.New("wal: serialize error")

	// ErrDiskFull is returned when the backing store reports out of space.
	ErrDiskFull = errors.New("wal: disk full")

	// ErrCheckpointConflict names a compaction racing a concurrent
	// checkpoint of the acked watermark. No operation in this package
	// returns it.
	ErrCheckpointConflict = errors.New("wal: checkpoint conflict")

	// ErrThrottled is returned while the health gate refuses writes and the
	// in-memory buffer is at its watermark.
	ErrThrottled = errors.New("wal: writes throttled by health gate")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wal: closed")
)

// CorruptEntryError reports an undecodable entry found during replay.
// Replay continues at the next decodable sequence; the corrupt sequence is
// surfaced through the OnCorrupt callback and counted, never silently
// dropped.
type CorruptEntryError struct {
	Seq uint64
	Err error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("wal: corrupt entry at seq %d: %v", e.Seq, e.Err)
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }
