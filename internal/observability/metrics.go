// Package observability — metrics.go
//
// Prometheus metrics for the truck agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: truckagent_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process. Components receive *Metrics by parameter;
// there is no package-level sink.
//
// Cardinality control:
//   - alert_type, transport, and reason labels are closed sets.
//   - event_id / seq are never labels (unbounded cardinality) — they appear
//     only as structured log fields.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the truck agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── WAL ─────────────────────────────────────────────────────────────────

	// WALAppendsTotal counts entries accepted into the write buffer.
	WALAppendsTotal prometheus.Counter

	// WALFlushesTotal counts flush cycles, by outcome (ok, disk_full,
	// throttled, error).
	WALFlushesTotal *prometheus.CounterVec

	// WALFlushLatency records storage flush transaction latency.
	WALFlushLatency prometheus.Histogram

	// WALThrottled is 1 while the health gate refuses writes.
	WALThrottled prometheus.Gauge

	// WALPendingEntries is the number of buffered, not-yet-flushed entries.
	WALPendingEntries prometheus.Gauge

	// WALEntriesReplayedTotal counts entries yielded by replay.
	WALEntriesReplayedTotal prometheus.Counter

	// WALCorruptEntriesTotal counts undecodable entries found during replay.
	WALCorruptEntriesTotal prometheus.Counter

	// WALEventsAckedTotal counts event IDs committed to the acked set.
	WALEventsAckedTotal prometheus.Counter

	// WALCompactedTotal counts entries removed by compaction.
	WALCompactedTotal prometheus.Counter

	// ─── Alerts ──────────────────────────────────────────────────────────────

	// AlertsTriggeredTotal counts alerts produced by the trigger engine,
	// by alert type.
	AlertsTriggeredTotal *prometheus.CounterVec

	// AlertsSuppressedTotal counts alerts suppressed by the debouncer,
	// by alert type.
	AlertsSuppressedTotal *prometheus.CounterVec

	// AlertsDispatchedTotal counts actuator invocations, by actuator name
	// and outcome (ok, error, not_found).
	AlertsDispatchedTotal *prometheus.CounterVec

	// AlertWALDropsTotal counts Emergency alerts whose WAL append failed
	// but whose actuation proceeded.
	AlertWALDropsTotal prometheus.Counter

	// ─── Stream ──────────────────────────────────────────────────────────────

	// StreamBatchesSentTotal counts batches shipped, by transport and
	// outcome (ok, error, rejected).
	StreamBatchesSentTotal *prometheus.CounterVec

	// StreamEntriesSentTotal counts WAL entries shipped.
	StreamEntriesSentTotal prometheus.Counter

	// StreamBytesSentTotal counts wire bytes shipped, by transport.
	StreamBytesSentTotal *prometheus.CounterVec

	// StreamAcksReceivedTotal counts event IDs acknowledged by the server.
	StreamAcksReceivedTotal prometheus.Counter

	// StreamTransportUp reports transport health (1 up, 0.5 degraded,
	// 0 down), by transport.
	StreamTransportUp *prometheus.GaugeVec

	// StreamQuarantinedTotal counts batches quarantined after permanent
	// rejection.
	StreamQuarantinedTotal prometheus.Counter

	// StreamBandwidthLimitKBps is the currently advised send cap.
	StreamBandwidthLimitKBps prometheus.Gauge

	// ─── Bus ─────────────────────────────────────────────────────────────────

	// BusEventsPublishedTotal counts events published, by channel.
	BusEventsPublishedTotal *prometheus.CounterVec

	// BusEventsDroppedTotal counts drop-oldest evictions, by channel.
	BusEventsDroppedTotal *prometheus.CounterVec

	// BusSubscriberLag is the per-channel maximum queue depth across
	// subscribers.
	BusSubscriberLag *prometheus.GaugeVec

	// ─── Health ──────────────────────────────────────────────────────────────

	// HealthResourcePercent reports the latest resource sample, by resource.
	HealthResourcePercent *prometheus.GaugeVec

	// HealthThresholdCrossingsTotal counts warning/critical crossings,
	// by resource and level.
	HealthThresholdCrossingsTotal *prometheus.CounterVec

	// ─── Supervisor ──────────────────────────────────────────────────────────

	// ModuleRestartsTotal counts watchdog-driven restarts, by module.
	ModuleRestartsTotal *prometheus.CounterVec

	// ModuleRecoveryFailedTotal counts modules that exceeded the restart
	// budget, by module.
	ModuleRecoveryFailedTotal *prometheus.CounterVec

	// EmergencyShutdownsTotal counts emergency shutdown invocations.
	EmergencyShutdownsTotal prometheus.Counter

	// ─── Agent ───────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all truck agent Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		WALAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "appends_total",
			Help: "Total entries accepted into the WAL write buffer.",
		}),
		WALFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "flushes_total",
			Help: "Total WAL flush cycles, by outcome.",
		}, []string{"outcome"}),
		WALFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "flush_latency_seconds",
			Help:    "WAL storage flush transaction latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		WALThrottled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "throttled",
			Help: "1 while the health gate refuses WAL writes, 0 otherwise.",
		}),
		WALPendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "pending_entries",
			Help: "Entries buffered in memory awaiting flush.",
		}),
		WALEntriesReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "entries_replayed_total",
			Help: "Total entries yielded by replay scans.",
		}),
		WALCorruptEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "corrupt_entries_total",
			Help: "Total undecodable entries encountered during replay.",
		}),
		WALEventsAckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "events_acked_total",
			Help: "Total event IDs committed to the durable acked set.",
		}),
		WALCompactedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "wal", Name: "compacted_total",
			Help: "Total entries removed by prefix compaction.",
		}),

		AlertsTriggeredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "alert", Name: "triggered_total",
			Help: "Total alerts produced by the trigger engine, by type.",
		}, []string{"alert_type"}),
		AlertsSuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "alert", Name: "suppressed_total",
			Help: "Total alerts suppressed by the cooldown debouncer, by type.",
		}, []string{"alert_type"}),
		AlertsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "alert", Name: "dispatched_total",
			Help: "Total actuator invocations, by actuator and outcome.",
		}, []string{"actuator", "outcome"}),
		AlertWALDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "alert", Name: "wal_drops_total",
			Help: "Emergency alerts actuated despite a failed WAL append.",
		}),

		StreamBatchesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "batches_sent_total",
			Help: "Total batches shipped, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		StreamEntriesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "entries_sent_total",
			Help: "Total WAL entries shipped to the back-office.",
		}),
		StreamBytesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "bytes_sent_total",
			Help: "Total wire bytes shipped, by transport.",
		}, []string{"transport"}),
		StreamAcksReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "acks_received_total",
			Help: "Total event IDs acknowledged by the server.",
		}),
		StreamTransportUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "transport_up",
			Help: "Transport health: 1 up, 0.5 degraded, 0 down.",
		}, []string{"transport"}),
		StreamQuarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "quarantined_total",
			Help: "Total batches quarantined after permanent server rejection.",
		}),
		StreamBandwidthLimitKBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "stream", Name: "bandwidth_limit_kbps",
			Help: "Currently advised send bandwidth cap in KBps.",
		}),

		BusEventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "bus", Name: "events_published_total",
			Help: "Total events published to broadcast channels, by channel.",
		}, []string{"channel"}),
		BusEventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "bus", Name: "events_dropped_total",
			Help: "Total events evicted by drop-oldest overflow, by channel.",
		}, []string{"channel"}),
		BusSubscriberLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "bus", Name: "subscriber_lag",
			Help: "Maximum subscriber queue depth per channel.",
		}, []string{"channel"}),

		HealthResourcePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "health", Name: "resource_percent",
			Help: "Latest resource usage sample, by resource.",
		}, []string{"resource"}),
		HealthThresholdCrossingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "health", Name: "threshold_crossings_total",
			Help: "Warning/critical threshold crossings, by resource and level.",
		}, []string{"resource", "level"}),

		ModuleRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "supervisor", Name: "module_restarts_total",
			Help: "Watchdog-driven module restarts, by module.",
		}, []string{"module"}),
		ModuleRecoveryFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "supervisor", Name: "module_recovery_failed_total",
			Help: "Modules that exceeded the restart budget, by module.",
		}, []string{"module"}),
		EmergencyShutdownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truckagent", Subsystem: "supervisor", Name: "emergency_shutdowns_total",
			Help: "Total emergency shutdown invocations.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truckagent", Subsystem: "agent", Name: "uptime_seconds",
			Help: "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.WALAppendsTotal, m.WALFlushesTotal, m.WALFlushLatency, m.WALThrottled,
		m.WALPendingEntries, m.WALEntriesReplayedTotal, m.WALCorruptEntriesTotal,
		m.WALEventsAckedTotal, m.WALCompactedTotal,
		m.AlertsTriggeredTotal, m.AlertsSuppressedTotal, m.AlertsDispatchedTotal,
		m.AlertWALDropsTotal,
		m.StreamBatchesSentTotal, m.StreamEntriesSentTotal, m.StreamBytesSentTotal,
		m.StreamAcksReceivedTotal, m.StreamTransportUp, m.StreamQuarantinedTotal,
		m.StreamBandwidthLimitKBps,
		m.BusEventsPublishedTotal, m.BusEventsDroppedTotal, m.BusSubscriberLag,
		m.HealthResourcePercent, m.HealthThresholdCrossingsTotal,
		m.ModuleRestartsTotal, m.ModuleRecoveryFailedTotal, m.EmergencyShutdownsTotal,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails. Serves GET /metrics and
// GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
