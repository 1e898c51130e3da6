// Package stream — errors.go
//
// Closed error set for the store-and-forward streamer. WAL errors convert
// at this boundary via WrapWAL; transport libraries' errors wrap ErrMQTT /
// ErrHTTP so retry classification never depends on vendor types.

package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrMQTT wraps MQTT client failures.
	ErrMQTT = errors.New("stream: mqtt error")

	// ErrHTTP wraps HTTP transport failures.
	ErrHTTP = errors.New("stream: http error")

	// ErrSerialize wraps batch codec failures.
	ErrSerialize = errors.New("stream: serialize error")

	// ErrTimeout marks a send or probe that exceeded its deadline.
	ErrTimeout = errors.New("stream: network timeout")

	// ErrAuthFailed marks a credential rejection. Not retried.
	ErrAuthFailed = errors.New("stream: authentication failed")

	// ErrServerRejected marks a permanent batch rejection. The batch is
	// quarantined and skipped, never retried.
	ErrServerRejected = errors.New("stream: server rejected batch")

	// ErrNoTransport is returned while every transport is Down.
	ErrNoTransport = errors.New("stream: no active transport available")

	// ErrWAL wraps errors surfaced by the WAL handle.
	ErrWAL = errors.New("stream: wal error")

	// ErrClosed is returned after streamer shutdown.
	ErrClosed = errors.New("stream: closed")
)

// BatchTooLargeError reports a composed batch exceeding the transport's
// wire limit.
type BatchTooLargeError struct {
	SizeBytes int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("stream: batch too large: %d bytes", e.SizeBytes)
}

// WrapWAL converts a WAL error at the subsystem boundary.
func WrapWAL(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrWAL, err)
}

// retryable reports whether a send failure is transient. Permanent
// rejections, auth failures, and closure are not retried.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrServerRejected),
		errors.Is(err, ErrAuthFailed),
		errors.Is(err, ErrClosed):
		return false
	}
	var tooLarge *BatchTooLargeError
	return !errors.As(err, &tooLarge)
}
