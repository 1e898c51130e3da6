// Package alert — pipeline.go
//
// The alert pipeline consumes trigger inputs from the ML, sensor, and
// health buses and drives each surviving alert through:
//
//  1. Debounce — per-type cooldown; suppressed alerts are counted and end
//     here.
//  2. WAL append — the alert record is persisted for the back-office.
//     Failure is logged, never propagated to actuators. For Emergency
//     severity, actuation proceeds despite the failed append (the drop is
//     counted); for lower severities the alert is not actuated either, so
//     the set of actuated alerts stays in bijection with the set of
//     persisted ones.
//  3. Dispatch — actions fan out to actuators under the registry's
//     concurrency cap.

package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/observability"
)

// Journal is the slice of the WAL the pipeline needs.
type Journal interface {
	Append(p event.Payload) (uint64, error)
}

// Pipeline binds triggers, debouncer, WAL, and actuator registry.
type Pipeline struct {
	triggers  *Engine
	debouncer *Debouncer
	registry  *Registry
	journal   Journal
	log       *zap.Logger
	metrics   *observability.Metrics
}

// NewPipeline wires the alert pipeline.
func NewPipeline(
	triggers *Engine,
	debouncer *Debouncer,
	registry *Registry,
	journal Journal,
	log *zap.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		triggers:  triggers,
		debouncer: debouncer,
		registry:  registry,
		journal:   journal,
		log:       log,
		metrics:   metrics,
	}
}

// Run consumes the three ingress channels until ctx is cancelled or all
// channels are closed. Cancellation is cooperative: the current alert
// finishes its dispatch before the loop exits.
func (p *Pipeline) Run(
	ctx context.Context,
	mlCh <-chan event.MLEvent,
	sensorCh <-chan event.SensorEvent,
	healthCh <-chan event.HealthEvent,
) error {
	for mlCh != nil || sensorCh != nil || healthCh != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-mlCh:
			if !ok {
				mlCh = nil
				continue
			}
			if a := p.triggers.FromML(&ev); a != nil {
				p.Handle(ctx, a)
			}
		case ev, ok := <-sensorCh:
			if !ok {
				sensorCh = nil
				continue
			}
			if a := p.triggers.FromSensor(&ev); a != nil {
				p.Handle(ctx, a)
			}
		case ev, ok := <-healthCh:
			if !ok {
				healthCh = nil
				continue
			}
			for _, a := range p.triggers.FromHealth(&ev) {
				alert := a
				p.Handle(ctx, &alert)
			}
		}
	}
	return nil
}

// Handle runs one alert through debounce, WAL append, and dispatch.
// Exposed for tests and for direct injection (supervisor-raised alerts).
func (p *Pipeline) Handle(ctx context.Context, a *Alert) {
	if p.metrics != nil {
		p.metrics.AlertsTriggeredTotal.WithLabelValues(string(a.Type)).Inc()
	}

	if p.debouncer.ShouldSuppress(a) {
		p.log.Debug("alert suppressed by cooldown",
			zap.String("alert_id", a.AlertID),
			zap.String("alert_type", string(a.Type)))
		return
	}

	seq, err := p.journal.Append(event.Payload{
		Kind:  event.KindAlert,
		Alert: a.Record(),
	})
	if err != nil {
		p.log.Error("alert wal append failed",
			zap.String("alert_id", a.AlertID),
			zap.String("alert_type", string(a.Type)),
			zap.Error(err))
		if a.Severity != SeverityEmergency {
			// Persisted and actuated alerts stay in bijection: a lower-
			// severity alert that cannot be stored is not actuated.
			return
		}
		if p.metrics != nil {
			p.metrics.AlertWALDropsTotal.Inc()
		}
	} else {
		p.log.Info("alert recorded",
			zap.String("alert_id", a.AlertID),
			zap.String("alert_type", string(a.Type)),
			zap.String("severity", a.Severity.String()),
			zap.Uint64("seq", seq))
	}

	if err := p.registry.Dispatch(ctx, a); err != nil {
		p.log.Warn("alert dispatch finished with failures",
			zap.String("alert_id", a.AlertID),
			zap.Error(err))
	}
}
