// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
  operator_token_ttl: "720h"

agents:
  heartbeat_interval: "45s"
  offline_threshold: "3m"
  write_timeout: "15s"
  message_rate: 10
  message_burst: 30

queue:
  lease: "90s"
  max_age: "12h"
  sweep_interval: "20s"
  max_attempts: 3
  claim_batch: 25

reboot:
  default_shutdown_timeout: "10m"
  sweep_interval: "30s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}
	if cfg.Auth.OperatorTokenTTL != 720*time.Hour {
		t.Errorf("OperatorTokenTTL = %v, want 720h", cfg.Auth.OperatorTokenTTL)
	}
	if cfg.Agents.HeartbeatInterval != 45*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 45s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.OfflineThreshold != 3*time.Minute {
		t.Errorf("OfflineThreshold = %v, want 3m", cfg.Agents.OfflineThreshold)
	}
	if cfg.Agents.MessageRate != 10 {
		t.Errorf("MessageRate = %v, want 10", cfg.Agents.MessageRate)
	}
	if cfg.Queue.Lease != 90*time.Second {
		t.Errorf("Queue.Lease = %v, want 90s", cfg.Queue.Lease)
	}
	if cfg.Queue.MaxAge != 12*time.Hour {
		t.Errorf("Queue.MaxAge = %v, want 12h", cfg.Queue.MaxAge)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.ClaimBatch != 25 {
		t.Errorf("Queue.ClaimBatch = %d, want 25", cfg.Queue.ClaimBatch)
	}
	if cfg.Reboot.DefaultShutdownTimeout != 10*time.Minute {
		t.Errorf("Reboot.DefaultShutdownTimeout = %v, want 10m", cfg.Reboot.DefaultShutdownTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("default HeartbeatInterval = %v, want 30s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.OfflineThreshold != 2*time.Minute {
		t.Errorf("default OfflineThreshold = %v, want 2m", cfg.Agents.OfflineThreshold)
	}
	if cfg.Queue.Lease != 2*time.Minute {
		t.Errorf("default Queue.Lease = %v, want 2m", cfg.Queue.Lease)
	}
	if cfg.Queue.MaxAge != 24*time.Hour {
		t.Errorf("default Queue.MaxAge = %v, want 24h", cfg.Queue.MaxAge)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("default Queue.MaxAttempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Reboot.DefaultShutdownTimeout != 5*time.Minute {
		t.Errorf("default Reboot.DefaultShutdownTimeout = %v, want 5m", cfg.Reboot.DefaultShutdownTimeout)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "secret-from-env")
	t.Setenv("WARDEN_TEST_DB", "/tmp/env.db")

	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "${WARDEN_TEST_DB}"
auth:
  jwt_secret: "${WARDEN_TEST_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTSecret != "secret-from-env" {
		t.Errorf("JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret-from-env")
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/env.db")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${WARDEN_DEFINITELY_NOT_SET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("JWTSecret = %q, want empty", cfg.Auth.JWTSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
queue:
  lease: "not-a-duration"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "queue.lease") {
		t.Errorf("error %q should mention queue.lease", err)
	}
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error %q should mention database.path", err)
	}
}

func TestLoad_MissingAddrWithoutTailscale(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when neither http_addr nor tailscale is configured")
	}
}

func TestLoad_TailscaleWithoutAddr(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "warden"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Tailscale.Enabled {
		t.Error("Tailscale.Enabled = false, want true")
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "./test.db"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tailscale is enabled without a hostname")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/warden.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
