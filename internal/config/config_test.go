package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
iris:
  node:
    ip: "10.0.0.1"
    hostname: "test-host"
    tags:
      env: "test"
  control:
    socket: "/tmp/test.sock"
    pid_file: "/tmp/test.pid"
  database:
    addr:
      - "clickhouse:9000"
  bus:
    addr: "redis:6379"
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "0.0.0.0:9090"
    path: "/metrics"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.IP != "10.0.0.1" {
		t.Errorf("Node.IP = %q, want 10.0.0.1", cfg.Node.IP)
	}
	if cfg.Node.Hostname != "test-host" {
		t.Errorf("Node.Hostname = %q, want test-host", cfg.Node.Hostname)
	}
	if cfg.Node.Tags["env"] != "test" {
		t.Errorf("Node.Tags[env] = %q, want test", cfg.Node.Tags["env"])
	}
	if cfg.Control.Socket != "/tmp/test.sock" {
		t.Errorf("Control.Socket = %q", cfg.Control.Socket)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Control.PIDFile = %q", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Bus.Addr != "redis:6379" {
		t.Errorf("Bus.Addr = %q", cfg.Bus.Addr)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
iris:
  database:
    addr: ["clickhouse:9000"]
  log:
    level: "invalid"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("error = %v, want 'invalid log level'", err)
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
iris:
  database:
    addr: ["clickhouse:9000"]
  log:
    level: "info"
    format: "invalid"
`))
	if err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestAutoDetectHostname(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
iris:
  database:
    addr: ["clickhouse:9000"]
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Hostname == "" {
		t.Error("expected auto-detected hostname, got empty")
	}
	expected, _ := os.Hostname()
	if cfg.Node.Hostname != expected {
		t.Errorf("Node.Hostname = %q, want %q", cfg.Node.Hostname, expected)
	}
}

func TestNodeIPExplicit(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
iris:
  node:
    ip: "192.168.1.100"
  database:
    addr: ["clickhouse:9000"]
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.IP != "192.168.1.100" {
		t.Errorf("Node.IP = %q, want 192.168.1.100", cfg.Node.IP)
	}
}

func TestNodeIPAutoDetect(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
iris:
  database:
    addr: ["clickhouse:9000"]
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.IP == "" {
		t.Error("expected auto-detected Node.IP, got empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
iris:
  database:
    addr: ["clickhouse:9000"]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Control.PIDFile != "/var/run/iris.pid" {
		t.Errorf("Control.PIDFile = %q, want /var/run/iris.pid", cfg.Control.PIDFile)
	}
	if cfg.Control.Socket != "/var/run/iris.sock" {
		t.Errorf("Control.Socket = %q, want /var/run/iris.sock", cfg.Control.Socket)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Metrics.Listen != ":9092" {
		t.Errorf("Metrics.Listen = %q, want :9092", cfg.Metrics.Listen)
	}
	if cfg.Database.TableMeasurements != "measurements" {
		t.Errorf("Database.TableMeasurements = %q, want measurements", cfg.Database.TableMeasurements)
	}
	if cfg.Agent.IPsPerSubnet != 6 {
		t.Errorf("Agent.IPsPerSubnet = %d, want 6", cfg.Agent.IPsPerSubnet)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("IRIS_LOG_LEVEL", "debug")

	cfg, err := Load(writeTmpConfig(t, `
iris:
  database:
    addr: ["clickhouse:9000"]
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (from env)", cfg.Log.Level)
	}
}

func TestLoadMissingDatabaseAddr(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
iris:
  log:
    level: "info"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error: database.addr is required")
	}
	if !strings.Contains(err.Error(), "database.addr") {
		t.Errorf("error = %v, want mention of database.addr", err)
	}
}
