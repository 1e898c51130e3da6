// Package health monitors host resources and drives backpressure.
//
// The monitor samples CPU, memory, disk, and SoC temperature on a fixed
// cadence, smooths each series with an EWMA so single spikes do not flap
// the gate, and publishes three things:
//
//   - a shared ResourceUsage snapshot (read by many consumers,
//     eventually consistent),
//   - HealthEvents on warning/critical threshold crossings,
//   - the WAL throttle gate: writes are refused while
//     disk > 85% ∨ temperature > 75°C ∨ memory > 90% (configurable),
//     and re-admitted only once every reading clears its limit minus the
//     hysteresis margin.
//
// Degradation ladder: after sustained critical pressure the monitor asks
// the ML collaborator to disable models in the configured order, least
// important first; models are re-enabled in reverse once pressure clears.
//
// EWMA smoothing: v_{t+1} = α·v_t + (1-α)·sample. α close to 1.0 is slow
// and spike-resistant; α=0 disables smoothing.

package health

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/config"
	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/observability"
)

// ewma is a thread-safe exponentially weighted moving average.
type ewma struct {
	mu     sync.Mutex
	alpha  float64
	value  float64
	primed bool
}

func newEWMA(alpha float64) *ewma {
	if alpha < 0.0 || alpha > 1.0 {
		panic("health: ewma alpha must be in [0.0, 1.0]")
	}
	return &ewma{alpha: alpha}
}

// update applies one EWMA step and returns the new value. The first sample
// primes the average directly so startup is not biased toward zero.
func (e *ewma) update(sample float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.value = sample
		e.primed = true
		return e.value
	}
	e.value = e.alpha*e.value + (1.0-e.alpha)*sample
	return e.value
}

// Sampler reads one raw resource sample. Replaceable in tests.
type Sampler func(ctx context.Context) (event.ResourceUsage, error)

// DegradeFunc receives the name of an ML model to disable (enable=false)
// or re-enable (enable=true).
type DegradeFunc func(model string, enable bool)

// Monitor samples resources and owns the WAL throttle gate.
type Monitor struct {
	cfg     config.HealthConfig
	diskPath string
	log     *zap.Logger
	metrics *observability.Metrics

	sample  Sampler
	publish func(event.HealthEvent)
	degrade DegradeFunc
	snaps   *Snapshotter // may be nil

	smoothCPU  *ewma
	smoothMem  *ewma
	smoothDisk *ewma
	smoothTemp *ewma

	mu      sync.RWMutex
	usage   event.ResourceUsage
	network event.NetworkHealth
	levels  map[string]event.HealthLevel

	throttled atomic.Bool

	criticalStreak int
	clearStreak    int
	disabledModels int
}

// MonitorOptions configures NewMonitor.
type MonitorOptions struct {
	// DiskPath is the mount whose usage gates WAL writes (the WAL volume).
	DiskPath string

	// Publish receives threshold-crossing HealthEvents. May be nil.
	Publish func(event.HealthEvent)

	// Degrade receives ML degradation commands. May be nil.
	Degrade DegradeFunc

	// Snapshots persists periodic health snapshots. May be nil.
	Snapshots *Snapshotter

	// Sample overrides the gopsutil sampler (tests).
	Sample Sampler

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// NewMonitor creates a Monitor from config.
func NewMonitor(cfg config.HealthConfig, opts MonitorOptions) *Monitor {
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:      cfg,
		diskPath: opts.DiskPath,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		publish:  opts.Publish,
		degrade:  opts.Degrade,
		snaps:    opts.Snapshots,
		smoothCPU:  newEWMA(cfg.SmoothingAlpha),
		smoothMem:  newEWMA(cfg.SmoothingAlpha),
		smoothDisk: newEWMA(cfg.SmoothingAlpha),
		smoothTemp: newEWMA(cfg.SmoothingAlpha),
		levels:   make(map[string]event.HealthLevel),
	}
	m.sample = opts.Sample
	if m.sample == nil {
		m.sample = m.sampleHost
	}
	return m
}

// sampleHost reads one raw sample via gopsutil plus the sysfs thermal zone.
func (m *Monitor) sampleHost(ctx context.Context) (event.ResourceUsage, error) {
	var u event.ResourceUsage

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		u.CPUPercent = percents[0]
	} else if err != nil {
		return u, fmt.Errorf("health: cpu sample: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("health: memory sample: %w", err)
	}
	u.MemoryPercent = vm.UsedPercent
	u.MemoryUsedBytes = vm.Used

	du, err := disk.UsageWithContext(ctx, m.diskPath)
	if err != nil {
		return u, fmt.Errorf("health: disk sample %q: %w", m.diskPath, err)
	}
	u.DiskPercent = du.UsedPercent
	u.DiskUsedBytes = du.Used

	u.TemperatureC = m.readThermalZone()
	return u, nil
}

// readThermalZone reads the SoC temperature from sysfs (millidegrees).
// Returns 0 when the zone is unreadable (desktop dev hosts).
func (m *Monitor) readThermalZone() float64 {
	raw, err := os.ReadFile(m.cfg.ThermalZonePath)
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000.0
}

// ShouldThrottle implements the WAL health gate.
func (m *Monitor) ShouldThrottle() bool {
	return m.throttled.Load()
}

// Usage returns the latest smoothed resource snapshot.
func (m *Monitor) Usage() event.ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage
}

// Network returns the latest uplink health report.
func (m *Monitor) Network() event.NetworkHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}

// SetNetwork records the latest uplink health report, read by the bandwidth
// manager. No component in this repository calls it, so Network reports the
// zero value and the bandwidth manager advises the configured ceiling.
func (m *Monitor) SetNetwork(n event.NetworkHealth) {
	m.mu.Lock()
	m.network = n
	m.mu.Unlock()
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one sample/evaluate cycle. Exposed for tests.
func (m *Monitor) Tick(ctx context.Context) {
	raw, err := m.sample(ctx)
	if err != nil {
		m.log.Warn("resource sample failed", zap.Error(err))
		return
	}

	smoothed := event.ResourceUsage{
		CPUPercent:      m.smoothCPU.update(raw.CPUPercent),
		MemoryPercent:   m.smoothMem.update(raw.MemoryPercent),
		MemoryUsedBytes: raw.MemoryUsedBytes,
		DiskPercent:     m.smoothDisk.update(raw.DiskPercent),
		DiskUsedBytes:   raw.DiskUsedBytes,
		TemperatureC:    m.smoothTemp.update(raw.TemperatureC),
	}

	m.mu.Lock()
	m.usage = smoothed
	network := m.network
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.HealthResourcePercent.WithLabelValues("cpu").Set(smoothed.CPUPercent)
		m.metrics.HealthResourcePercent.WithLabelValues("memory").Set(smoothed.MemoryPercent)
		m.metrics.HealthResourcePercent.WithLabelValues("disk").Set(smoothed.DiskPercent)
		m.metrics.HealthResourcePercent.WithLabelValues("temperature").Set(smoothed.TemperatureC)
	}

	m.evaluateThresholds(smoothed, network)
	m.evaluateThrottle(smoothed)
	m.evaluateDegradation(smoothed)

	if m.snaps != nil {
		ev := event.HealthEvent{
			Timestamp: time.Now().UTC(),
			Level:     m.worstLevel(),
			Resource:  "periodic",
			Usage:     smoothed,
			Network:   network,
		}
		if err := m.snaps.Save(ev); err != nil {
			m.log.Warn("health snapshot save failed", zap.Error(err))
		}
	}
}

// classify maps a reading onto ok/warning/critical.
func classify(v, warning, critical float64) event.HealthLevel {
	switch {
	case v >= critical:
		return event.HealthCritical
	case v >= warning:
		return event.HealthWarning
	default:
		return event.HealthOK
	}
}

// evaluateThresholds emits a HealthEvent for every resource whose level
// changed since the previous tick.
func (m *Monitor) evaluateThresholds(u event.ResourceUsage, n event.NetworkHealth) {
	th := m.cfg.Thresholds
	checks := map[string]event.HealthLevel{
		"cpu":         classify(u.CPUPercent, th.CPUWarningPercent, th.CPUCriticalPercent),
		"memory":      classify(u.MemoryPercent, th.MemoryWarningPercent, th.MemoryCriticalPercent),
		"disk":        classify(u.DiskPercent, th.DiskWarningPercent, th.DiskCriticalPercent),
		"temperature": classify(u.TemperatureC, th.TempWarningC, th.TempCriticalC),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for resource, level := range checks {
		prev := m.levels[resource]
		if prev == "" {
			prev = event.HealthOK
		}
		if level == prev {
			continue
		}
		m.levels[resource] = level
		if level != event.HealthOK && m.metrics != nil {
			m.metrics.HealthThresholdCrossingsTotal.WithLabelValues(resource, string(level)).Inc()
		}
		m.log.Info("health level changed",
			zap.String("resource", resource),
			zap.String("from", string(prev)),
			zap.String("to", string(level)))
		if m.publish != nil {
			m.publish(event.HealthEvent{
				Timestamp: time.Now().UTC(),
				Level:     level,
				Resource:  resource,
				Usage:     u,
				Network:   n,
			})
		}
	}
}

// worstLevel returns the most severe current level across resources.
// Caller must not hold mu.
func (m *Monitor) worstLevel() event.HealthLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worst := event.HealthOK
	for _, l := range m.levels {
		if l == event.HealthCritical {
			return event.HealthCritical
		}
		if l == event.HealthWarning {
			worst = event.HealthWarning
		}
	}
	return worst
}

// evaluateThrottle updates the WAL gate with hysteresis: the gate closes
// as soon as any reading exceeds its limit, and reopens only once every
// reading is below limit minus hysteresis.
func (m *Monitor) evaluateThrottle(u event.ResourceUsage) {
	t := m.cfg.Throttle
	over := u.DiskPercent > t.DiskPercent ||
		u.TemperatureC > t.TemperatureC ||
		u.MemoryPercent > t.MemoryPercent

	if over {
		if m.throttled.CompareAndSwap(false, true) {
			m.log.Warn("wal writes throttled",
				zap.Float64("disk_percent", u.DiskPercent),
				zap.Float64("temperature_c", u.TemperatureC),
				zap.Float64("memory_percent", u.MemoryPercent))
			if m.metrics != nil {
				m.metrics.WALThrottled.Set(1)
			}
		}
		return
	}

	if !m.throttled.Load() {
		return
	}
	clear := u.DiskPercent < t.DiskPercent-t.Hysteresis &&
		u.TemperatureC < t.TemperatureC-t.Hysteresis &&
		u.MemoryPercent < t.MemoryPercent-t.Hysteresis
	if clear && m.throttled.CompareAndSwap(true, false) {
		m.log.Info("wal throttle lifted")
		if m.metrics != nil {
			m.metrics.WALThrottled.Set(0)
		}
	}
}

// degradeStreakTicks is how many consecutive critical (or clear) samples
// trigger one degradation (or recovery) step.
const degradeStreakTicks = 3

// evaluateDegradation walks the ML disable ladder under sustained pressure.
func (m *Monitor) evaluateDegradation(u event.ResourceUsage) {
	if !m.cfg.Degradation.Enabled || m.degrade == nil {
		return
	}
	order := m.cfg.Degradation.MLModelDisableOrder
	th := m.cfg.Thresholds

	critical := u.CPUPercent >= th.CPUCriticalPercent ||
		u.MemoryPercent >= th.MemoryCriticalPercent ||
		u.TemperatureC >= th.TempCriticalC
	clear := u.CPUPercent < th.CPUWarningPercent &&
		u.MemoryPercent < th.MemoryWarningPercent &&
		u.TemperatureC < th.TempWarningC

	switch {
	case critical:
		m.clearStreak = 0
		m.criticalStreak++
		if m.criticalStreak >= degradeStreakTicks && m.disabledModels < len(order) {
			model := order[m.disabledModels]
			m.disabledModels++
			m.criticalStreak = 0
			m.log.Warn("disabling ml model under pressure", zap.String("model", model))
			m.degrade(model, false)
		}
	case clear:
		m.criticalStreak = 0
		m.clearStreak++
		if m.clearStreak >= degradeStreakTicks && m.disabledModels > 0 {
			m.disabledModels--
			model := order[m.disabledModels]
			m.clearStreak = 0
			m.log.Info("re-enabling ml model", zap.String("model", model))
			m.degrade(model, true)
		}
	default:
		m.criticalStreak = 0
		m.clearStreak = 0
	}
}
