// Package supervisor — shutdown.go
//
// Shutdown sequencing.
//
// On signal, modules stop in reverse dependency order. Each module gets
// its per-module timeout: context cancel, wait for the run loop, then the
// optional Stop cleanup. A module that exceeds its timeout is recorded
// TimedOut and the sequence advances — one stuck module never holds the
// truck's power budget hostage.
//
// The whole sequence runs under an overall deadline. If the deadline
// expires, EnforceTimeout(force=true) terminates the process with exit
// status 1. EmergencyShutdown is the unconditional variant reserved for
// unrecoverable fault paths.
//
// Exit codes: 0 normal, 1 emergency or forced, 2 unrecoverable config
// (main), 3 supervisor failure.

package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// osExit is replaceable in tests; forced termination must be observable
// without killing the test binary.
var osExit = os.Exit

// ShutdownStatus classifies one module's stop outcome or the whole
// sequence's state.
type ShutdownStatus string

const (
	ShutdownPending    ShutdownStatus = "pending"
	ShutdownInProgress ShutdownStatus = "in_progress"
	ShutdownCompleted  ShutdownStatus = "completed"
	ShutdownTimedOut   ShutdownStatus = "timed_out"
	ShutdownFailed     ShutdownStatus = "failed"
)

// ModuleResult records one module's stop outcome.
type ModuleResult struct {
	Name    string
	Status  ShutdownStatus
	Err     error
	Elapsed time.Duration
}

// ShutdownSequence records an in-flight or finished shutdown.
type ShutdownSequence struct {
	SequenceID string
	Status     ShutdownStatus
	Results    []ModuleResult
	Deadline   time.Time
}

// Shutdown stops every module in reverse dependency order and returns the
// completed sequence. Safe to call once; later calls return ErrClosed.
func (s *Supervisor) Shutdown() (*ShutdownSequence, error) {
	s.mu.Lock()
	if s.shutting {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.shutting = true
	modules := s.modules
	s.mu.Unlock()

	seq := &ShutdownSequence{
		SequenceID: uuid.NewString(),
		Status:     ShutdownInProgress,
		Deadline:   time.Now().Add(s.opts.ShutdownDeadline),
	}
	s.log.Info("shutdown sequence started",
		zap.String("sequence_id", seq.SequenceID),
		zap.Duration("deadline", s.opts.ShutdownDeadline))

	// Overall deadline enforcement runs alongside the sequence.
	deadlineDone := make(chan struct{})
	go func() {
		select {
		case <-deadlineDone:
		case <-time.After(time.Until(seq.Deadline)):
			s.EnforceTimeout(seq, true)
		}
	}()
	defer close(deadlineDone)

	for i := len(modules) - 1; i >= 0; i-- {
		seq.Results = append(seq.Results, s.stopModule(modules[i]))
	}

	seq.Status = ShutdownCompleted
	for _, r := range seq.Results {
		if r.Status != ShutdownCompleted {
			seq.Status = ShutdownFailed
			break
		}
	}
	s.log.Info("shutdown sequence finished",
		zap.String("sequence_id", seq.SequenceID),
		zap.String("status", string(seq.Status)))
	return seq, nil
}

// stopModule stops one module under its timeout.
func (s *Supervisor) stopModule(rt *runtime) ModuleResult {
	start := time.Now()
	result := ModuleResult{Name: rt.mod.Name, Status: ShutdownCompleted}

	rt.mu.Lock()
	cancel := rt.cancel
	done := rt.done
	prev := rt.status
	rt.status = StatusStopped
	rt.mu.Unlock()

	if cancel == nil || prev == StatusManualIntervention {
		// Never launched, or parked for the operator: nothing to stop.
		result.Elapsed = time.Since(start)
		return result
	}
	cancel()

	timer := time.NewTimer(s.opts.ModuleStopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		result.Status = ShutdownTimedOut
		result.Err = &ModuleError{Module: rt.mod.Name, Err: ErrShutdownTimeout}
		result.Elapsed = time.Since(start)
		s.log.Warn("module stop timed out, advancing",
			zap.String("module", rt.mod.Name),
			zap.Duration("timeout", s.opts.ModuleStopTimeout))
		return result
	}

	if rt.mod.Stop != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), s.opts.ModuleStopTimeout)
		err := rt.mod.Stop(stopCtx)
		cancelStop()
		if err != nil {
			result.Status = ShutdownFailed
			result.Err = &ModuleError{Module: rt.mod.Name, Err: err}
			s.log.Error("module stop cleanup failed",
				zap.String("module", rt.mod.Name), zap.Error(err))
		}
	}

	result.Elapsed = time.Since(start)
	s.log.Info("module stopped",
		zap.String("module", rt.mod.Name),
		zap.Duration("elapsed", result.Elapsed))
	return result
}

// EnforceTimeout handles an expired shutdown deadline. With force, the
// process terminates immediately with the distinguished exit status 1;
// without, the sequence is only marked TimedOut.
func (s *Supervisor) EnforceTimeout(seq *ShutdownSequence, force bool) {
	seq.Status = ShutdownTimedOut
	s.log.Error("shutdown deadline expired",
		zap.String("sequence_id", seq.SequenceID),
		zap.Bool("force", force))
	if force {
		osExit(1)
	}
}

// EmergencyShutdown terminates the process unconditionally. Reserved for
// unrecoverable fault paths (failed recovery, corrupt persistent state).
func (s *Supervisor) EmergencyShutdown(reason string) {
	if s.metrics != nil {
		s.metrics.EmergencyShutdownsTotal.Inc()
	}
	s.log.Error("emergency shutdown", zap.String("reason", reason))
	_ = s.log.Sync()
	osExit(1)
}
