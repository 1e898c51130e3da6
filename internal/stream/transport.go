// Package stream — transport.go
//
// Transport abstraction and selection policy.
//
// Two transports exist: MQTT (preferred) and HTTP (fallback). Each carries
// a health state refreshed by periodic probes and by observed send
// outcomes:
//
//	Up       — probe ok, recent sends succeeding
//	Degraded — probe ok but slow (latency above the configured ceiling)
//	Down     — probe or send failed
//
// Selection: MQTT whenever it is not Down (Degraded MQTT still beats Up
// HTTP — switching transports mid-stream costs more than slow QoS 1);
// HTTP when MQTT is Down; park when both are Down.

package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/observability"
)

// HealthState is a transport's availability classification.
type HealthState int

const (
	StateUp HealthState = iota
	StateDegraded
	StateDown
)

func (s HealthState) String() string {
	switch s {
	case StateUp:
		return "Up"
	case StateDegraded:
		return "Degraded"
	case StateDown:
		return "Down"
	default:
		return "Unknown"
	}
}

func (s HealthState) gaugeValue() float64 {
	switch s {
	case StateUp:
		return 1
	case StateDegraded:
		return 0.5
	default:
		return 0
	}
}

// Transport ships one batch to the back-office.
type Transport interface {
	// Name identifies the transport in logs and metrics (mqtt, http).
	Name() string

	// Send ships a batch. Returns any event IDs acknowledged synchronously
	// (HTTP); asynchronous acks (MQTT) arrive through AckSource.
	Send(ctx context.Context, b *Batch) ([]string, error)

	// Probe checks reachability. The returned latency in milliseconds
	// feeds transport health (Degraded above the latency cap); it is not
	// passed on to the bandwidth manager.
	Probe(ctx context.Context) (latencyMS float64, err error)

	Close() error
}

// AckSource is implemented by transports whose acknowledgements arrive
// asynchronously.
type AckSource interface {
	// Acks yields lists of acknowledged event IDs.
	Acks() <-chan []string
}

// Selector tracks transport health and applies the selection policy.
type Selector struct {
	mqtt Transport // may be nil
	http Transport // may be nil

	maxLatencyMS float64
	log          *zap.Logger
	metrics      *observability.Metrics

	mu     sync.RWMutex
	states map[string]HealthState
}

// NewSelector wires the two transports. Either may be nil.
func NewSelector(mqtt, http Transport, maxLatencyMS float64, log *zap.Logger, metrics *observability.Metrics) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Selector{
		mqtt:         mqtt,
		http:         http,
		maxLatencyMS: maxLatencyMS,
		log:          log,
		metrics:      metrics,
		states:       make(map[string]HealthState),
	}
	// Transports start Down until the first successful probe.
	if mqtt != nil {
		s.setState(mqtt.Name(), StateDown)
	}
	if http != nil {
		s.setState(http.Name(), StateDown)
	}
	return s
}

// State returns a transport's current health.
func (s *Selector) State(name string) HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[name]
}

func (s *Selector) setState(name string, state HealthState) {
	s.mu.Lock()
	prev, had := s.states[name]
	s.states[name] = state
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.StreamTransportUp.WithLabelValues(name).Set(state.gaugeValue())
	}
	if had && prev != state {
		s.log.Info("transport health changed",
			zap.String("transport", name),
			zap.String("from", prev.String()),
			zap.String("to", state.String()))
	}
}

// Pick returns the transport to use for the next batch, or ErrNoTransport
// while both are Down.
func (s *Selector) Pick() (Transport, error) {
	if s.mqtt != nil && s.State(s.mqtt.Name()) != StateDown {
		return s.mqtt, nil
	}
	if s.http != nil && s.State(s.http.Name()) != StateDown {
		return s.http, nil
	}
	return nil, ErrNoTransport
}

// ReportSend folds one send outcome into transport health.
func (s *Selector) ReportSend(name string, err error) {
	if err == nil {
		s.setState(name, StateUp)
		return
	}
	s.setState(name, StateDown)
}

// ProbeAll refreshes every transport's health. Called on the probe cadence
// and before leaving the parked state.
func (s *Selector) ProbeAll(ctx context.Context) {
	for _, t := range []Transport{s.mqtt, s.http} {
		if t == nil {
			continue
		}
		latency, err := t.Probe(ctx)
		switch {
		case err != nil:
			s.setState(t.Name(), StateDown)
		case s.maxLatencyMS > 0 && latency > s.maxLatencyMS:
			s.setState(t.Name(), StateDegraded)
		default:
			s.setState(t.Name(), StateUp)
		}
	}
}

// Transports returns the wired transports (for ack fan-in and Close).
func (s *Selector) Transports() []Transport {
	var out []Transport
	for _, t := range []Transport{s.mqtt, s.http} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}
