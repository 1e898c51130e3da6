// Package config — config_test.go

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults_Validate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Alert.Cooldowns["DrowsyDriver"] != 30*time.Second {
		t.Error("DrowsyDriver default cooldown must be 30s")
	}
	if cfg.Health.Throttle.DiskPercent != 85 {
		t.Error("throttle disk default must be 85")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
device_id: truck-17
wal:
  db_path: /data/wal.db
  flush_interval: 250ms
  encrypt: true
alert:
  cooldowns:
    DrowsyDriver: 45s
  default_cooldown: 7s
network:
  max_bandwidth_kbps: 512
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceID != "truck-17" {
		t.Errorf("device_id = %q", cfg.DeviceID)
	}
	if cfg.WAL.DBPath != "/data/wal.db" || !cfg.WAL.Encrypt {
		t.Errorf("wal overrides not applied: %+v", cfg.WAL)
	}
	if cfg.WAL.FlushInterval != 250*time.Millisecond {
		t.Errorf("flush_interval = %s", cfg.WAL.FlushInterval)
	}
	if cfg.Alert.Cooldowns["DrowsyDriver"] != 45*time.Second {
		t.Errorf("cooldown override not applied: %v", cfg.Alert.Cooldowns)
	}
	if cfg.Alert.DefaultCooldown != 7*time.Second {
		t.Errorf("default_cooldown = %s", cfg.Alert.DefaultCooldown)
	}
	if cfg.Network.MaxBandwidthKBps != 512 {
		t.Errorf("max_bandwidth_kbps = %d", cfg.Network.MaxBandwidthKBps)
	}
	// Untouched keys keep their defaults.
	if cfg.Observability.MetricsAddr != "127.0.0.1:9091" {
		t.Errorf("metrics_addr default lost: %q", cfg.Observability.MetricsAddr)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad schema version", "schema_version: \"9\"\n"},
		{"empty db path", "wal:\n  db_path: \"\"\n"},
		{"bandwidth below floor", "network:\n  max_bandwidth_kbps: 10\n"},
		{"warning above critical", "health:\n  thresholds:\n    cpu_warning_percent: 99\n    cpu_critical_percent: 50\n"},
		{"bad log format", "observability:\n  log_format: xml\n"},
		{"unparseable yaml", "wal: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
