// Package alert — registry.go
//
// Name-indexed actuator registry with bounded concurrent dispatch.
//
// The registry owns actuator singletons. Hardware handles (CAN sockets,
// display buses) cannot be cloned, so callers never obtain owned handles —
// they dispatch through the registry by name. Lookups dominate writes; the
// map is guarded by a reader-preferring RWMutex.
//
// Dispatch invokes the actions of one alert in parallel under a weighted
// semaphore shared by the whole registry (default cap 8). Ordering between
// actions is not guaranteed. A missing actuator is recorded and the
// remaining actions still run.

package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fleetedge/fleetedge/internal/observability"
)

// Actuator effects one kind of physical action. Implementations must be
// safe to invoke concurrently from multiple alerts; thread-hostile
// hardware serialises internally.
type Actuator interface {
	// Trigger performs the action for the alert. Blocking hardware I/O
	// must honour ctx cancellation and deadlines.
	Trigger(ctx context.Context, a *Alert, action Action) error

	// Kind returns the action type this actuator serves.
	Kind() ActionType
}

// Registry holds actuator singletons and the dispatch semaphore.
type Registry struct {
	mu        sync.RWMutex
	actuators map[string]Actuator

	sem     *semaphore.Weighted
	timeout time.Duration
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewRegistry creates a Registry with the given dispatch concurrency cap
// and per-invocation timeout.
func NewRegistry(maxConcurrent int64, timeout time.Duration, log *zap.Logger, metrics *observability.Metrics) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 8
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		actuators: make(map[string]Actuator),
		sem:       semaphore.NewWeighted(maxConcurrent),
		timeout:   timeout,
		log:       log,
		metrics:   metrics,
	}
}

// Register installs an actuator under a name. Re-registering a name
// replaces the previous singleton.
func (r *Registry) Register(name string, a Actuator) {
	r.mu.Lock()
	r.actuators[name] = a
	r.mu.Unlock()
	r.log.Info("actuator registered",
		zap.String("name", name), zap.String("kind", string(a.Kind())))
}

// Lookup returns the actuator registered under name.
func (r *Registry) Lookup(name string) (Actuator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actuators[name]
	return a, ok
}

// Names returns the registered actuator names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actuators))
	for n := range r.actuators {
		names = append(names, n)
	}
	return names
}

// Dispatch runs every action of the alert under the concurrency cap and
// waits for completion. Individual failures (including missing actuators)
// are recorded and joined into the returned error; they never stop the
// remaining actions.
func (r *Registry) Dispatch(ctx context.Context, a *Alert) error {
	var (
		wg   sync.WaitGroup
		errMu sync.Mutex
		errs []error
	)
	record := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, action := range a.Actions {
		act, ok := r.Lookup(action.Target)
		if !ok {
			nfe := &NotFoundError{Target: action.Target}
			r.log.Warn("actuator not found",
				zap.String("alert_id", a.AlertID),
				zap.String("target", action.Target))
			if r.metrics != nil {
				r.metrics.AlertsDispatchedTotal.WithLabelValues(action.Target, "not_found").Inc()
			}
			record(nfe)
			continue
		}

		wg.Add(1)
		go func(act Actuator, action Action) {
			defer wg.Done()

			if err := r.sem.Acquire(ctx, 1); err != nil {
				record(fmt.Errorf("%w: semaphore: %v", ErrTrigger, err))
				return
			}
			defer r.sem.Release(1)

			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			if err := act.Trigger(callCtx, a, action); err != nil {
				r.log.Error("actuator trigger failed",
					zap.String("alert_id", a.AlertID),
					zap.String("target", action.Target),
					zap.Error(err))
				if r.metrics != nil {
					r.metrics.AlertsDispatchedTotal.WithLabelValues(action.Target, "error").Inc()
				}
				if !isAlertError(err) {
					err = fmt.Errorf("%w: %s: %v", ErrTrigger, action.Target, err)
				}
				record(err)
				return
			}
			if r.metrics != nil {
				r.metrics.AlertsDispatchedTotal.WithLabelValues(action.Target, "ok").Inc()
			}
		}(act, action)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// isAlertError reports whether an error already belongs to this package's
// closed error set.
func isAlertError(err error) bool {
	if errors.Is(err, ErrGPIO) || errors.Is(err, ErrCAN) ||
		errors.Is(err, ErrDisplay) || errors.Is(err, ErrRelay) ||
		errors.Is(err, ErrTrigger) {
		return true
	}
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}
