// Package config provides configuration loading, validation, and hot-reload
// for the truck agent.
//
// Configuration file: /etc/truckagent/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The agent watches the config file with fsnotify (see reload.go).
//   - On change: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only: the agent's reload callback
//     applies the alert cooldowns and the default cooldown.
//   - All other keys, including thresholds, log level, bandwidth cap, DB
//     path, device ID and broker URL, take effect on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (percentages in [0,100], positive intervals).
//   - Invalid config on startup: agent refuses to start (exit code 2).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the truck agent.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// DeviceID is the unique identifier for this truck. Used in MQTT topic
	// names and WAL heartbeats. Default: hostname.
	DeviceID string `yaml:"device_id"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Health configures resource monitoring and the throttle gate.
	Health HealthConfig `yaml:"health"`

	// Alert configures the debouncer and actuator dispatch.
	Alert AlertConfig `yaml:"alert"`

	// Network configures transports, probes, and bandwidth management.
	Network NetworkConfig `yaml:"network"`

	// Supervisor configures the watchdog and shutdown sequencing.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// WALConfig holds write-ahead log parameters.
type WALConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/truckagent/wal.db.
	DBPath string `yaml:"db_path"`

	// MaxBufferBytes is the in-memory write buffer watermark. Appends past
	// this point block on flush, or fail with Throttled while the health
	// gate is closed. Default: 4 MiB.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	// FlushInterval is the background flush cadence. Default: 500ms.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxFlushEntries bounds one flush batch. Default: 512.
	MaxFlushEntries int `yaml:"max_flush_entries"`

	// MaxFlushBytes bounds one flush batch. Default: 1 MiB.
	MaxFlushBytes int `yaml:"max_flush_bytes"`

	// CompressionThreshold is the serialised size above which a payload is
	// zstd-compressed before storage. Default: 4096.
	CompressionThreshold int `yaml:"compression_threshold"`

	// Encrypt enables AEAD sealing of payloads. Default: false.
	Encrypt bool `yaml:"encrypt"`

	// RetentionSeconds is how long an unacked entry blocks compaction of the
	// entries after it, and how long ack records are kept before GC.
	// Default: 86400 (one day).
	RetentionSeconds int `yaml:"retention_seconds"`
}

// HealthConfig holds resource monitoring parameters.
type HealthConfig struct {
	// Interval is the resource sampling cadence. Default: 5s.
	Interval time.Duration `yaml:"interval"`

	// Thresholds for warning/critical health events.
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// Throttle gates for WAL writes (the HealthGate).
	Throttle ThrottleConfig `yaml:"throttle"`

	// Degradation controls load shedding under sustained pressure.
	Degradation DegradationConfig `yaml:"degradation"`

	// ThermalZonePath is the sysfs thermal zone read for SoC temperature.
	// Default: /sys/class/thermal/thermal_zone0/temp.
	ThermalZonePath string `yaml:"thermal_zone_path"`

	// SmoothingAlpha is the EWMA factor applied to resource samples before
	// threshold comparison, in [0,1]. Higher = smoother. Default: 0.6.
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
}

// ThresholdsConfig holds per-resource warning/critical boundaries.
type ThresholdsConfig struct {
	CPUWarningPercent     float64 `yaml:"cpu_warning_percent"`
	CPUCriticalPercent    float64 `yaml:"cpu_critical_percent"`
	MemoryWarningPercent  float64 `yaml:"memory_warning_percent"`
	MemoryCriticalPercent float64 `yaml:"memory_critical_percent"`
	DiskWarningPercent    float64 `yaml:"disk_warning_percent"`
	DiskCriticalPercent   float64 `yaml:"disk_critical_percent"`
	TempWarningC          float64 `yaml:"temp_warning_c"`
	TempCriticalC         float64 `yaml:"temp_critical_c"`
}

// ThrottleConfig holds the WAL health gate boundaries. Writes are refused
// while any reading exceeds its limit; the gate reopens only once all
// readings drop below limit minus hysteresis.
type ThrottleConfig struct {
	DiskPercent   float64 `yaml:"disk_percent"`   // default 85
	TemperatureC  float64 `yaml:"temperature_c"`  // default 75
	MemoryPercent float64 `yaml:"memory_percent"` // default 90
	Hysteresis    float64 `yaml:"hysteresis"`     // default 5
}

// DegradationConfig controls staged load shedding.
type DegradationConfig struct {
	// Enabled gates automatic degradation. Default: true.
	Enabled bool `yaml:"enabled"`

	// MLModelDisableOrder is the order in which ML models are disabled
	// under sustained pressure, least important first.
	MLModelDisableOrder []string `yaml:"ml_model_disable_order"`
}

// AlertConfig holds debouncer and dispatch parameters.
type AlertConfig struct {
	// Cooldowns maps alert type name to its minimum re-emission interval.
	// Types absent from the map use DefaultCooldown.
	Cooldowns map[string]time.Duration `yaml:"cooldowns"`

	// DefaultCooldown applies to alert types without an explicit entry.
	// Default: 5s.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`

	// MaxConcurrentDispatch caps simultaneous actuator invocations.
	// Default: 8.
	MaxConcurrentDispatch int64 `yaml:"max_concurrent_dispatch"`

	// DispatchTimeout bounds one actuator call. Default: 2s.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// NetworkConfig holds transport and bandwidth parameters.
type NetworkConfig struct {
	// MQTT transport.
	MQTT MQTTConfig `yaml:"mqtt"`

	// HTTP transport.
	HTTP HTTPConfig `yaml:"http"`

	// PingHost is accepted in the file but no component probes it; link
	// health comes from the transports' own probes. Default: 8.8.8.8.
	PingHost string `yaml:"ping_host"`

	// PingInterval is the probe cadence. Default: 10s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// MaxLatencyMS above which the link is considered degraded.
	// Default: 500.
	MaxLatencyMS float64 `yaml:"max_latency_ms"`

	// MaxBandwidthKBps is the configured send ceiling the bandwidth
	// manager adjusts downward from. Default: 1024.
	MaxBandwidthKBps int `yaml:"max_bandwidth_kbps"`

	// BatchMaxEntries bounds one streamed batch. Default: 256.
	BatchMaxEntries int `yaml:"batch_max_entries"`

	// BatchMaxBytes bounds one streamed batch. Default: 256 KiB.
	BatchMaxBytes int `yaml:"batch_max_bytes"`

	// CompactInterval is how often the streamer compacts the WAL.
	// Default: 30s.
	CompactInterval time.Duration `yaml:"compact_interval"`
}

// MQTTConfig holds the MQTT transport parameters.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`      // default tcp://127.0.0.1:1883
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default 10s
	PublishTimeout time.Duration `yaml:"publish_timeout"` // default 5s
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
}

// HTTPConfig holds the HTTP transport parameters.
type HTTPConfig struct {
	IngestURL      string        `yaml:"ingest_url"`      // default http://127.0.0.1:8080/ingest
	RequestTimeout time.Duration `yaml:"request_timeout"` // default 15s
	AuthToken      string        `yaml:"auth_token"`
}

// SupervisorConfig holds watchdog and shutdown parameters.
type SupervisorConfig struct {
	// ProbeInterval is the watchdog health probe cadence. Default: 10s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// MaxRestarts per module before ManualIntervention. Default: 3.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartDelay between restart attempts. Default: 2s.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// ModuleStopTimeout bounds one module's Stop call. Default: 5s.
	ModuleStopTimeout time.Duration `yaml:"module_stop_timeout"`

	// ShutdownDeadline bounds the entire shutdown sequence. Default: 20s.
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters. Overrides allow a
// technician to reset cooldowns, force flushes, or inspect state without
// restarting the agent.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600. Default: /run/truckagent/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		DeviceID:      hostname,
		WAL: WALConfig{
			DBPath:               "/var/lib/truckagent/wal.db",
			MaxBufferBytes:       4 << 20,
			FlushInterval:        500 * time.Millisecond,
			MaxFlushEntries:      512,
			MaxFlushBytes:        1 << 20,
			CompressionThreshold: 4096,
			Encrypt:              false,
			RetentionSeconds:     86400,
		},
		Health: HealthConfig{
			Interval: 5 * time.Second,
			Thresholds: ThresholdsConfig{
				CPUWarningPercent:     80,
				CPUCriticalPercent:    95,
				MemoryWarningPercent:  80,
				MemoryCriticalPercent: 90,
				DiskWarningPercent:    75,
				DiskCriticalPercent:   85,
				TempWarningC:          65,
				TempCriticalC:         75,
			},
			Throttle: ThrottleConfig{
				DiskPercent:   85,
				TemperatureC:  75,
				MemoryPercent: 90,
				Hysteresis:    5,
			},
			Degradation: DegradationConfig{
				Enabled: true,
				MLModelDisableOrder: []string{
					"license_plate", "cargo_tamper", "lane_departure", "drowsiness",
				},
			},
			ThermalZonePath: "/sys/class/thermal/thermal_zone0/temp",
			SmoothingAlpha:  0.6,
		},
		Alert: AlertConfig{
			Cooldowns: map[string]time.Duration{
				"DrowsyDriver":    30 * time.Second,
				"LaneDeparture":   10 * time.Second,
				"HarshBraking":    5 * time.Second,
				"HighTemperature": 60 * time.Second,
			},
			DefaultCooldown:       5 * time.Second,
			MaxConcurrentDispatch: 8,
			DispatchTimeout:       2 * time.Second,
		},
		Network: NetworkConfig{
			MQTT: MQTTConfig{
				BrokerURL:      "tcp://127.0.0.1:1883",
				ConnectTimeout: 10 * time.Second,
				PublishTimeout: 5 * time.Second,
			},
			HTTP: HTTPConfig{
				IngestURL:      "http://127.0.0.1:8080/ingest",
				RequestTimeout: 15 * time.Second,
			},
			PingHost:         "8.8.8.8",
			PingInterval:     10 * time.Second,
			MaxLatencyMS:     500,
			MaxBandwidthKBps: 1024,
			BatchMaxEntries:  256,
			BatchMaxBytes:    256 << 10,
			CompactInterval:  30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			ProbeInterval:     10 * time.Second,
			MaxRestarts:       3,
			RestartDelay:      2 * time.Second,
			ModuleStopTimeout: 5 * time.Second,
			ShutdownDeadline:  20 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/truckagent/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.DeviceID == "" {
		errs = append(errs, "device_id must not be empty")
	}
	if cfg.WAL.DBPath == "" {
		errs = append(errs, "wal.db_path must not be empty")
	}
	if cfg.WAL.MaxBufferBytes < 4096 {
		errs = append(errs, fmt.Sprintf("wal.max_buffer_bytes must be >= 4096, got %d", cfg.WAL.MaxBufferBytes))
	}
	if cfg.WAL.FlushInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Sprintf("wal.flush_interval must be >= 10ms, got %s", cfg.WAL.FlushInterval))
	}
	if cfg.WAL.MaxFlushEntries < 1 {
		errs = append(errs, fmt.Sprintf("wal.max_flush_entries must be >= 1, got %d", cfg.WAL.MaxFlushEntries))
	}
	if cfg.WAL.MaxFlushBytes < 4096 {
		errs = append(errs, fmt.Sprintf("wal.max_flush_bytes must be >= 4096, got %d", cfg.WAL.MaxFlushBytes))
	}
	if cfg.WAL.RetentionSeconds < 60 {
		errs = append(errs, fmt.Sprintf("wal.retention_seconds must be >= 60, got %d", cfg.WAL.RetentionSeconds))
	}
	if cfg.Health.Interval < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("health.interval must be >= 100ms, got %s", cfg.Health.Interval))
	}
	if cfg.Health.SmoothingAlpha < 0.0 || cfg.Health.SmoothingAlpha > 1.0 {
		errs = append(errs, fmt.Sprintf("health.smoothing_alpha must be in [0.0, 1.0], got %f", cfg.Health.SmoothingAlpha))
	}
	for name, v := range map[string]float64{
		"health.throttle.disk_percent":   cfg.Health.Throttle.DiskPercent,
		"health.throttle.memory_percent": cfg.Health.Throttle.MemoryPercent,
	} {
		if v <= 0 || v > 100 {
			errs = append(errs, fmt.Sprintf("%s must be in (0, 100], got %f", name, v))
		}
	}
	if cfg.Health.Throttle.Hysteresis < 0 {
		errs = append(errs, "health.throttle.hysteresis must be >= 0")
	}
	if th := cfg.Health.Thresholds; th.CPUWarningPercent >= th.CPUCriticalPercent ||
		th.MemoryWarningPercent >= th.MemoryCriticalPercent ||
		th.DiskWarningPercent >= th.DiskCriticalPercent ||
		th.TempWarningC >= th.TempCriticalC {
		errs = append(errs, "health.thresholds: warning levels must be below critical levels")
	}
	if cfg.Alert.MaxConcurrentDispatch < 1 {
		errs = append(errs, fmt.Sprintf("alert.max_concurrent_dispatch must be >= 1, got %d", cfg.Alert.MaxConcurrentDispatch))
	}
	if cfg.Alert.DefaultCooldown <= 0 {
		errs = append(errs, "alert.default_cooldown must be > 0")
	}
	for typ, d := range cfg.Alert.Cooldowns {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("alert.cooldowns[%s] must be > 0, got %s", typ, d))
		}
	}
	if cfg.Network.MQTT.BrokerURL == "" && cfg.Network.HTTP.IngestURL == "" {
		errs = append(errs, "at least one of network.mqtt.broker_url and network.http.ingest_url must be set")
	}
	if cfg.Network.MaxBandwidthKBps < 50 {
		errs = append(errs, fmt.Sprintf("network.max_bandwidth_kbps must be >= 50, got %d", cfg.Network.MaxBandwidthKBps))
	}
	if cfg.Network.BatchMaxEntries < 1 {
		errs = append(errs, fmt.Sprintf("network.batch_max_entries must be >= 1, got %d", cfg.Network.BatchMaxEntries))
	}
	if cfg.Network.BatchMaxBytes < 1024 {
		errs = append(errs, fmt.Sprintf("network.batch_max_bytes must be >= 1024, got %d", cfg.Network.BatchMaxBytes))
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		errs = append(errs, "supervisor.max_restarts must be >= 0")
	}
	if cfg.Supervisor.ShutdownDeadline < cfg.Supervisor.ModuleStopTimeout {
		errs = append(errs, "supervisor.shutdown_deadline must be >= supervisor.module_stop_timeout")
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
