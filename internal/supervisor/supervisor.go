// Package supervisor owns component lifecycles: dependency-ordered start,
// watchdog-driven restart with bounded retries, reverse-ordered shutdown
// with per-module timeouts, and emergency exit.
//
// Module run model: Start is the module's blocking run loop. The
// supervisor gives each module its own child context and goroutine; a
// module is stopped by cancelling its context, waiting for Start to
// return, then calling its optional Stop cleanup.
//
// Module state machine:
//
//	RUNNING ──→ FAILED ──→ RESTARTING ──→ RUNNING
//	                │ (restarts exceeded)
//	                └────→ MANUAL_INTERVENTION   (terminal until operator)
//	any ──→ STOPPED  (shutdown only)
//
// Escalation (restart) moves forward only; MANUAL_INTERVENTION never
// decays on its own. Transitions are atomic under the per-module mutex.

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/observability"
)

// Status is a supervised module's lifecycle state.
type Status uint8

const (
	StatusRunning Status = iota
	StatusFailed
	StatusRestarting
	StatusManualIntervention
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusFailed:
		return "FAILED"
	case StatusRestarting:
		return "RESTARTING"
	case StatusManualIntervention:
		return "MANUAL_INTERVENTION"
	case StatusStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Module is one supervised component.
type Module struct {
	// Name identifies the module in logs, metrics, and shutdown records.
	Name string

	// Start is the blocking run loop. It must return promptly (after
	// finishing its current atomic unit) once ctx is cancelled. A non-nil
	// error with the context still live marks the module FAILED.
	Start func(ctx context.Context) error

	// Stop is optional post-run cleanup (close files, flush buffers).
	Stop func(ctx context.Context) error

	// Probe is the optional watchdog health check.
	Probe func(ctx context.Context) error
}

// ModuleState is the watchdog's record of one module.
type ModuleState struct {
	Name     string
	Status   Status
	Restarts int
	LastFail time.Time
}

// runtime is the supervisor's per-module bookkeeping.
type runtime struct {
	mod Module

	mu       sync.Mutex
	status   Status
	restarts int
	lastFail time.Time
	runErr   error

	cancel context.CancelFunc
	done   chan struct{}
}

func (rt *runtime) state() ModuleState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return ModuleState{
		Name:     rt.mod.Name,
		Status:   rt.status,
		Restarts: rt.restarts,
		LastFail: rt.lastFail,
	}
}

// Options configures the Supervisor.
type Options struct {
	// ProbeInterval is the watchdog cadence.
	ProbeInterval time.Duration

	// MaxRestarts per module before MANUAL_INTERVENTION.
	MaxRestarts int

	// RestartDelay between restart attempts.
	RestartDelay time.Duration

	// ModuleStopTimeout bounds one module's stop during shutdown.
	ModuleStopTimeout time.Duration

	// ShutdownDeadline bounds the whole shutdown sequence.
	ShutdownDeadline time.Duration

	// RaiseAlert is called when a module is marked MANUAL_INTERVENTION.
	// May be nil.
	RaiseAlert func(module string)

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (o *Options) withDefaults() {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 10 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 2 * time.Second
	}
	if o.ModuleStopTimeout <= 0 {
		o.ModuleStopTimeout = 5 * time.Second
	}
	if o.ShutdownDeadline <= 0 {
		o.ShutdownDeadline = 20 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Supervisor owns module lifecycles.
type Supervisor struct {
	opts    Options
	log     *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	modules  []*runtime // registration order = dependency order
	rootCtx  context.Context
	started  bool
	shutting bool
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Register adds a module. Registration order is dependency order: modules
// are started first-to-last and stopped last-to-first. Must be called
// before Start.
func (s *Supervisor) Register(m Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: register %s after start", ErrState, m.Name)
	}
	s.modules = append(s.modules, &runtime{mod: m, status: StatusStopped})
	return nil
}

// Start launches all modules in dependency order and the watchdog.
// Returns once everything is launched; module run loops continue in their
// own goroutines under ctx.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrState)
	}
	s.started = true
	s.rootCtx = ctx
	modules := s.modules
	s.mu.Unlock()

	for _, rt := range modules {
		s.launch(rt)
		s.log.Info("module started", zap.String("module", rt.mod.Name))
	}

	go s.watchdog(ctx)
	return nil
}

// launch starts one module's run goroutine under a fresh child context.
func (s *Supervisor) launch(rt *runtime) {
	modCtx, cancel := context.WithCancel(s.rootCtx)
	done := make(chan struct{})

	rt.mu.Lock()
	rt.cancel = cancel
	rt.done = done
	rt.status = StatusRunning
	rt.runErr = nil
	rt.mu.Unlock()

	go func() {
		err := rt.mod.Start(modCtx)
		close(done)

		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.status == StatusStopped {
			return // Shutdown path already accounted for this module.
		}
		if err != nil && modCtx.Err() == nil {
			rt.status = StatusFailed
			rt.runErr = err
			rt.lastFail = time.Now()
			s.log.Error("module run loop failed",
				zap.String("module", rt.mod.Name), zap.Error(err))
			return
		}
		rt.status = StatusStopped
	}()
}

// States returns a snapshot of every module's watchdog record.
func (s *Supervisor) States() []ModuleState {
	s.mu.Lock()
	modules := s.modules
	s.mu.Unlock()

	out := make([]ModuleState, len(modules))
	for i, rt := range modules {
		out[i] = rt.state()
	}
	return out
}
