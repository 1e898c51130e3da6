// Package alert — errors.go
//
// Closed error set for the alert pipeline. Hardware failures from
// actuators wrap the matching sentinel so callers classify with errors.Is
// without depending on driver error types.

package alert

import (
	"errors"
	"fmt"
)

var (
	// ErrGPIO wraps GPIO pin driver failures.
	ErrGPIO = errors.New("alert: gpio error")

	// ErrCAN wraps CAN interface, frame construction, and write failures.
	ErrCAN = errors.New("alert: can bus error")

	// ErrDisplay wraps cab display failures.
	ErrDisplay = errors.New("alert: display error")

	// ErrRelay wraps relay driver failures.
	ErrRelay = errors.New("alert: relay error")

	// ErrPolicy wraps debounce/policy configuration failures.
	ErrPolicy = errors.New("alert: policy error")

	// ErrTrigger wraps actuator invocation failures of unknown kind.
	ErrTrigger = errors.New("alert: trigger error")

	// ErrSuppressed marks an alert swallowed by the cooldown debouncer.
	ErrSuppressed = errors.New("alert: suppressed by cooldown")

	// ErrClosed is returned after pipeline shutdown.
	ErrClosed = errors.New("alert: closed")
)

// NotFoundError reports a dispatch to an actuator name absent from the
// registry. The remaining actions of the alert still run.
type NotFoundError struct {
	Target string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("alert: actuator not found: %s", e.Target)
}
