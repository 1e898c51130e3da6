// Package supervisor — errors.go
//
// Closed error set for module lifecycle management.

package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdownTimeout marks a module that exceeded its stop timeout.
	ErrShutdownTimeout = errors.New("supervisor: shutdown timeout")

	// ErrModuleShutdownFailed marks a module whose Stop returned an error.
	ErrModuleShutdownFailed = errors.New("supervisor: module shutdown failed")

	// ErrState marks an invalid lifecycle transition.
	ErrState = errors.New("supervisor: state error")

	// ErrWatchdog wraps health probe machinery failures.
	ErrWatchdog = errors.New("supervisor: watchdog error")

	// ErrSignal wraps signal handler installation failures.
	ErrSignal = errors.New("supervisor: signal error")

	// ErrClosed is returned after the supervisor has shut down.
	ErrClosed = errors.New("supervisor: closed")
)

// ModuleError attaches the module name to a lifecycle failure.
type ModuleError struct {
	Module string
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("supervisor: module %s: %v", e.Module, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }
