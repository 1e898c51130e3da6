// Package main — cmd/truckagent/main.go
//
// Truck agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config (exit 2 on failure).
//  2. Initialise structured logger (zap).
//  3. Start Prometheus metrics server.
//  4. Open the WAL and the health snapshot store.
//  5. Build buses, health monitor, actuator registry, alert pipeline,
//     transports, bandwidth manager, streamer, operator socket.
//  6. Register everything with the supervisor in dependency order:
//     health → wal → wal-feeder → alert → stream → operator → heartbeat;
//     start.
//  7. Start the config hot-reloader.
//  8. Block on SIGINT/SIGTERM; run the shutdown sequence in reverse
//     order; close stores; exit.
//
// Exit codes: 0 normal, 1 emergency or forced shutdown, 2 unrecoverable
// config, 3 supervisor failure.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleetedge/fleetedge/internal/alert"
	"github.com/fleetedge/fleetedge/internal/bus"
	"github.com/fleetedge/fleetedge/internal/config"
	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/health"
	"github.com/fleetedge/fleetedge/internal/observability"
	"github.com/fleetedge/fleetedge/internal/operator"
	"github.com/fleetedge/fleetedge/internal/stream"
	"github.com/fleetedge/fleetedge/internal/supervisor"
	"github.com/fleetedge/fleetedge/internal/wal"
)

func main() {
	configPath := flag.String("config", "/etc/truckagent/config.yaml", "Path to config.yaml")
	slcanDev := flag.String("slcan-dev", "/dev/ttyACM0", "SLCAN serial adapter for the CAN actuator")
	displayFIFO := flag.String("display-fifo", "/run/truckagent/display.fifo", "Cab display daemon FIFO")
	gpioBase := flag.String("gpio-base", "/sys/class/gpio", "GPIO sysfs base path")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("truckagent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(2)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("truck agent starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("device_id", cfg.DeviceID),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Buses ─────────────────────────────────────────────────────────────────
	// Telemetry tolerates loss under pressure; alerts and ML do not.
	sensorBus := bus.New[event.SensorEvent]("sensor", bus.DropOldest, 1024, metrics)
	mlBus := bus.New[event.MLEvent]("ml", bus.Block, 256, metrics)
	healthBus := bus.New[event.HealthEvent]("health", bus.Block, 64, metrics)
	defer sensorBus.Close()
	defer mlBus.Close()
	defer healthBus.Close()

	// ── Health monitor + snapshots ────────────────────────────────────────────
	walDir := filepath.Dir(cfg.WAL.DBPath)
	snaps, err := health.OpenSnapshotter(filepath.Join(walDir, "health.db"))
	if err != nil {
		log.Error("health snapshot store unavailable, continuing without", zap.Error(err))
		snaps = nil
	} else {
		defer snaps.Close() //nolint:errcheck
	}

	monitor := health.NewMonitor(cfg.Health, health.MonitorOptions{
		DiskPath:  walDir,
		Publish:   func(ev event.HealthEvent) { healthBus.Publish(ev) },
		Degrade: func(model string, enable bool) {
			// The ML collaborator consumes these over its control channel;
			// the agent records the decision.
			log.Warn("ml degradation command",
				zap.String("model", model), zap.Bool("enable", enable))
		},
		Snapshots: snaps,
		Logger:    log.Named("health"),
		Metrics:   metrics,
	})

	// ── WAL ───────────────────────────────────────────────────────────────────
	var keys wal.KeyProvider
	if cfg.WAL.Encrypt {
		raw, err := wal.NewRandomKey()
		if err != nil {
			log.Fatal("wal key generation failed", zap.Error(err))
		}
		// Provisioned deployments replace this with the vehicle key store.
		keys = &wal.StaticKeyProvider{ID: "key-1", Raw: raw}
	}
	journal, err := wal.Open(cfg.WAL.DBPath, wal.Options{
		MaxBufferBytes:       cfg.WAL.MaxBufferBytes,
		FlushInterval:        cfg.WAL.FlushInterval,
		MaxFlushEntries:      cfg.WAL.MaxFlushEntries,
		MaxFlushBytes:        cfg.WAL.MaxFlushBytes,
		CompressionThreshold: cfg.WAL.CompressionThreshold,
		Keys:                 keys,
		Retention:            time.Duration(cfg.WAL.RetentionSeconds) * time.Second,
		Gate:                 monitor,
		Logger:               log.Named("wal"),
		Metrics:              metrics,
	})
	if err != nil {
		log.Fatal("wal open failed", zap.Error(err), zap.String("path", cfg.WAL.DBPath))
	}
	defer journal.Close() //nolint:errcheck
	log.Info("wal opened",
		zap.String("path", cfg.WAL.DBPath),
		zap.Uint64("last_seq", journal.LastSequence()),
		zap.Uint64("epoch", journal.Epoch()))

	// ── Actuators ─────────────────────────────────────────────────────────────
	registry := alert.NewRegistry(cfg.Alert.MaxConcurrentDispatch, cfg.Alert.DispatchTimeout,
		log.Named("actuator"), metrics)

	pins := &sysfsPinDriver{basePath: *gpioBase}
	registry.Register("buzzer", alert.NewGpioActuator(pins, log.Named("buzzer")))
	registry.Register("beacon", alert.NewGpioActuator(pins, log.Named("beacon")))
	registry.Register("relay", alert.NewRelayActuator(pins, log.Named("relay")))
	registry.Register("display", alert.NewDisplayActuator(
		&fifoPanel{path: *displayFIFO, log: log.Named("display")}, log.Named("display")))
	if can, err := openSlcan(*slcanDev); err != nil {
		log.Warn("can interface unavailable, canbus actuator not registered",
			zap.String("device", *slcanDev), zap.Error(err))
	} else {
		defer can.Close() //nolint:errcheck
		registry.Register("canbus", alert.NewCanBusActuator(*slcanDev, can, log.Named("canbus")))
	}

	// ── Alert pipeline ────────────────────────────────────────────────────────
	cooldowns := make(map[alert.Type]time.Duration, len(cfg.Alert.Cooldowns))
	for name, d := range cfg.Alert.Cooldowns {
		cooldowns[alert.Type(name)] = d
	}
	debouncer := alert.NewDebouncer(cooldowns, cfg.Alert.DefaultCooldown, metrics)
	pipeline := alert.NewPipeline(alert.NewEngine(), debouncer, registry, journal,
		log.Named("alert"), metrics)

	// ── Transports, bandwidth, streamer ───────────────────────────────────────
	mqttTransport := stream.NewMQTTTransport(stream.MQTTOptions{
		BrokerURL:      cfg.Network.MQTT.BrokerURL,
		DeviceID:       cfg.DeviceID,
		Username:       cfg.Network.MQTT.Username,
		Password:       cfg.Network.MQTT.Password,
		ConnectTimeout: cfg.Network.MQTT.ConnectTimeout,
		PublishTimeout: cfg.Network.MQTT.PublishTimeout,
		OnCommand: func(cmd stream.Command) {
			log.Info("remote command", zap.String("command", cmd.Name))
			switch cmd.Name {
			case "compact":
				if _, err := journal.Compact(); err != nil {
					log.Error("remote compact failed", zap.Error(err))
				}
			case "flush":
				if err := journal.Flush(); err != nil {
					log.Error("remote flush failed", zap.Error(err))
				}
			}
		},
		Logger: log.Named("mqtt"),
	})
	httpTransport := stream.NewHTTPTransport(stream.HTTPOptions{
		IngestURL:      cfg.Network.HTTP.IngestURL,
		AuthToken:      cfg.Network.HTTP.AuthToken,
		RequestTimeout: cfg.Network.HTTP.RequestTimeout,
		Logger:         log.Named("http"),
	})
	selector := stream.NewSelector(mqttTransport, httpTransport,
		cfg.Network.MaxLatencyMS, log.Named("stream"), metrics)
	bandwidth := stream.NewBandwidthManager(cfg.Network.MaxBandwidthKBps,
		cfg.Network.BatchMaxBytes, monitor, metrics)
	streamer := stream.NewStreamer(journal, selector, bandwidth, stream.Options{
		DeviceID:        cfg.DeviceID,
		BatchMaxEntries: cfg.Network.BatchMaxEntries,
		BatchMaxBytes:   cfg.Network.BatchMaxBytes,
		ProbeInterval:   cfg.Network.PingInterval,
		CompactInterval: cfg.Network.CompactInterval,
		Logger:          log.Named("stream"),
		Metrics:         metrics,
	})

	// ── Supervisor ────────────────────────────────────────────────────────────
	sup := supervisor.New(supervisor.Options{
		ProbeInterval:     cfg.Supervisor.ProbeInterval,
		MaxRestarts:       cfg.Supervisor.MaxRestarts,
		RestartDelay:      cfg.Supervisor.RestartDelay,
		ModuleStopTimeout: cfg.Supervisor.ModuleStopTimeout,
		ShutdownDeadline:  cfg.Supervisor.ShutdownDeadline,
		RaiseAlert: func(module string) {
			a := alert.New(alert.TypeModuleFailure, alert.SeverityCritical,
				fmt.Sprintf("Module %s requires manual intervention", module), module)
			pipeline.Handle(ctx, &a)
		},
		Logger:  log.Named("supervisor"),
		Metrics: metrics,
	})

	mlCh, cancelML := mlBus.Subscribe()
	sensorCh, cancelSensor := sensorBus.Subscribe()
	healthCh, cancelHealth := healthBus.Subscribe()
	defer cancelML()
	defer cancelSensor()
	defer cancelHealth()

	// Telemetry feeder: sensor and ML events are persisted alongside being
	// evaluated by the alert pipeline.
	feedSensorCh, cancelFeedSensor := sensorBus.Subscribe()
	feedMLCh, cancelFeedML := mlBus.Subscribe()
	defer cancelFeedSensor()
	defer cancelFeedML()

	mustRegister := func(m supervisor.Module) {
		if err := sup.Register(m); err != nil {
			log.Fatal("module registration failed", zap.String("module", m.Name), zap.Error(err))
		}
	}

	mustRegister(supervisor.Module{
		Name:  "health",
		Start: monitor.Run,
	})
	mustRegister(supervisor.Module{
		Name:  "wal",
		Start: journal.Run,
	})
	mustRegister(supervisor.Module{
		Name: "wal-feeder",
		Start: func(ctx context.Context) error {
			return runFeeder(ctx, journal, feedSensorCh, feedMLCh, log.Named("feeder"))
		},
	})
	mustRegister(supervisor.Module{
		Name: "alert",
		Start: func(ctx context.Context) error {
			return pipeline.Run(ctx, mlCh, sensorCh, healthCh)
		},
	})
	mustRegister(supervisor.Module{
		Name:  "stream",
		Start: streamer.Run,
	})
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, journal, monitor,
			debouncer, sup, log.Named("operator"))
		mustRegister(supervisor.Module{
			Name:  "operator",
			Start: opSrv.Run,
		})
	}
	mustRegister(supervisor.Module{
		Name: "heartbeat",
		Start: func(ctx context.Context) error {
			return runHeartbeat(ctx, journal, monitor)
		},
	})

	if err := sup.Start(ctx); err != nil {
		log.Error("supervisor start failed", zap.Error(err))
		os.Exit(3)
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	reloader := config.NewReloader(*configPath, log.Named("config"))
	reloader.OnReload(func(newCfg *config.Config) {
		cd := make(map[alert.Type]time.Duration, len(newCfg.Alert.Cooldowns))
		for name, d := range newCfg.Alert.Cooldowns {
			cd[alert.Type(name)] = d
		}
		debouncer.SetCooldowns(cd, newCfg.Alert.DefaultCooldown)
	})
	go func() {
		if err := reloader.Watch(ctx); err != nil {
			log.Warn("config reloader stopped", zap.Error(err))
		}
	}()

	// ── Wait for shutdown signal ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	seq, err := sup.Shutdown()
	cancel()
	if err != nil {
		log.Error("shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	if err := journal.Close(); err != nil {
		log.Error("wal close failed", zap.Error(err))
	}

	if seq.Status != supervisor.ShutdownCompleted {
		log.Warn("shutdown finished with failures", zap.String("status", string(seq.Status)))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("truck agent shutdown complete")
}

// runFeeder persists sensor and ML events into the WAL. Throttle errors
// are expected backpressure; the event is dropped with a log line and the
// bus's drop-oldest policy has already shed older telemetry upstream.
func runFeeder(
	ctx context.Context,
	journal *wal.WAL,
	sensorCh <-chan event.SensorEvent,
	mlCh <-chan event.MLEvent,
	log *zap.Logger,
) error {
	persist := func(p event.Payload) {
		if _, err := journal.Append(p); err != nil {
			log.Warn("telemetry append failed", zap.String("kind", string(p.Kind)), zap.Error(err))
		}
	}
	for sensorCh != nil || mlCh != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sensorCh:
			if !ok {
				sensorCh = nil
				continue
			}
			persist(event.Payload{Kind: event.KindTelemetry, Telemetry: &ev})
		case ev, ok := <-mlCh:
			if !ok {
				mlCh = nil
				continue
			}
			persist(event.Payload{Kind: event.KindML, ML: &ev})
		}
	}
	return nil
}

// runHeartbeat appends a liveness event every 30 seconds so the
// back-office can tell a quiet truck from a dead one.
func runHeartbeat(ctx context.Context, journal *wal.WAL, monitor *health.Monitor) error {
	start := time.Now()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			usage := monitor.Usage()
			_, _ = journal.Append(event.Payload{
				Kind: event.KindHeartbeat,
				Heartbeat: &event.Heartbeat{
					Timestamp:       time.Now().UTC(),
					UptimeSec:       uint64(time.Since(start).Seconds()),
					MemoryUsedBytes: usage.MemoryUsedBytes,
					DiskUsedBytes:   usage.DiskUsedBytes,
				},
			})
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
