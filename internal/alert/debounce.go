// Package alert — debounce.go
//
// Per-alert-type cooldown filter.
//
// ShouldSuppress is check-and-record in one critical section: if the last
// non-suppressed emission of the type is older than its cooldown, the
// current time is recorded and the alert passes. Two racing alerts of the
// same type therefore cannot both pass inside one cooldown window.

package alert

import (
	"sync"
	"time"

	"github.com/fleetedge/fleetedge/internal/observability"
)

// Debouncer enforces the minimum spacing between alerts of the same type.
type Debouncer struct {
	mu        sync.Mutex
	last      map[Type]time.Time
	cooldowns map[Type]time.Duration
	fallback  time.Duration
	metrics   *observability.Metrics

	// now is replaceable in tests.
	now func() time.Time
}

// NewDebouncer creates a Debouncer. cooldowns maps alert type to interval;
// types without an entry use fallback.
func NewDebouncer(cooldowns map[Type]time.Duration, fallback time.Duration, metrics *observability.Metrics) *Debouncer {
	if fallback <= 0 {
		fallback = 5 * time.Second
	}
	cd := make(map[Type]time.Duration, len(cooldowns))
	for t, d := range cooldowns {
		cd[t] = d
	}
	return &Debouncer{
		last:      make(map[Type]time.Time),
		cooldowns: cd,
		fallback:  fallback,
		metrics:   metrics,
		now:       time.Now,
	}
}

// cooldownFor returns the interval for a type. Caller holds mu.
func (d *Debouncer) cooldownFor(t Type) time.Duration {
	if cd, ok := d.cooldowns[t]; ok {
		return cd
	}
	return d.fallback
}

// ShouldSuppress reports whether the alert falls inside its type's
// cooldown. A passing alert atomically records the emission time.
func (d *Debouncer) ShouldSuppress(a *Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[a.Type]; ok {
		if now.Sub(last) < d.cooldownFor(a.Type) {
			if d.metrics != nil {
				d.metrics.AlertsSuppressedTotal.WithLabelValues(string(a.Type)).Inc()
			}
			return true
		}
	}
	d.last[a.Type] = now
	return false
}

// Reset clears the recorded emission time for a type, ending its cooldown
// early. Operator and test use.
func (d *Debouncer) Reset(t Type) {
	d.mu.Lock()
	delete(d.last, t)
	d.mu.Unlock()
}

// SetCooldowns replaces the cooldown table (config hot-reload).
func (d *Debouncer) SetCooldowns(cooldowns map[Type]time.Duration, fallback time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cd := make(map[Type]time.Duration, len(cooldowns))
	for t, dur := range cooldowns {
		cd[t] = dur
	}
	d.cooldowns = cd
	if fallback > 0 {
		d.fallback = fallback
	}
}
