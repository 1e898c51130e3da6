// Package supervisor — watchdog.go
//
// Watchdog and automatic recovery.
//
// On every tick the watchdog probes each RUNNING module (modules without a
// probe are judged only by their run loop exiting) and restarts FAILED
// ones: up to MaxRestarts attempts with RestartDelay between them. A
// module past its restart budget is marked MANUAL_INTERVENTION and an
// alert is raised; the watchdog never touches it again.

package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// watchdog runs until ctx is cancelled.
func (s *Supervisor) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.shutting {
				s.mu.Unlock()
				return
			}
			modules := s.modules
			s.mu.Unlock()

			for _, rt := range modules {
				s.inspect(ctx, rt)
			}
		}
	}
}

// inspect probes one module and drives recovery if needed.
func (s *Supervisor) inspect(ctx context.Context, rt *runtime) {
	rt.mu.Lock()
	status := rt.status
	rt.mu.Unlock()

	switch status {
	case StatusRunning:
		if rt.mod.Probe == nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeInterval/2)
		err := rt.mod.Probe(probeCtx)
		cancel()
		if err == nil {
			return
		}
		s.log.Warn("module health probe failed",
			zap.String("module", rt.mod.Name), zap.Error(err))
		rt.mu.Lock()
		rt.status = StatusFailed
		rt.lastFail = time.Now()
		rt.mu.Unlock()
		// Stop the unhealthy run loop before restarting.
		rt.cancel()
		s.recover(ctx, rt)

	case StatusFailed:
		s.recover(ctx, rt)
	}
}

// recover restarts a failed module within its restart budget.
func (s *Supervisor) recover(ctx context.Context, rt *runtime) {
	rt.mu.Lock()
	if rt.restarts >= s.opts.MaxRestarts {
		rt.status = StatusManualIntervention
		rt.mu.Unlock()

		s.log.Error("module restart limit exceeded, manual intervention required",
			zap.String("module", rt.mod.Name),
			zap.Int("restarts", s.opts.MaxRestarts))
		if s.metrics != nil {
			s.metrics.ModuleRecoveryFailedTotal.WithLabelValues(rt.mod.Name).Inc()
		}
		if s.opts.RaiseAlert != nil {
			s.opts.RaiseAlert(rt.mod.Name)
		}
		return
	}
	rt.restarts++
	rt.status = StatusRestarting
	attempt := rt.restarts
	done := rt.done
	rt.mu.Unlock()

	s.log.Info("recovering failed module",
		zap.String("module", rt.mod.Name), zap.Int("attempt", attempt))

	// Wait for the old run loop to exit, bounded.
	select {
	case <-done:
	case <-time.After(s.opts.ModuleStopTimeout):
		s.log.Warn("old run loop did not exit before restart",
			zap.String("module", rt.mod.Name))
	case <-ctx.Done():
		return
	}

	select {
	case <-time.After(s.opts.RestartDelay):
	case <-ctx.Done():
		return
	}

	s.launch(rt)
	if s.metrics != nil {
		s.metrics.ModuleRestartsTotal.WithLabelValues(rt.mod.Name).Inc()
	}
	s.log.Info("module recovered", zap.String("module", rt.mod.Name))
}
