package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"DATABASE_URL", "CLUSTERED", "NODE_ID", "STORE_LOCK_KEY",
	"MAX_CONCURRENCY", "MAX_BATCH_SIZE", "MISFIRE_THRESHOLD", "BATCH_WINDOW",
	"MIN_POLL_INTERVAL", "MAX_POLL_INTERVAL", "HEARTBEAT_INTERVAL", "LIVENESS_WINDOW",
	"RECOVERY_INTERVAL", "WAIT_FOR_JOBS", "SHUTDOWN_TIMEOUT",
	"DB_OP_TIMEOUT", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME",
	"HTTP_ADDR", "PORT", "HTTP_SHUTDOWN_TIMEOUT",
	"METRICS_ENABLED", "METRICS_PATH", "METRICS_PORT", "REDIS_ADDR",
	"CIRCUIT_BREAKER_THRESHOLD", "CIRCUIT_BREAKER_COOLDOWN", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every variable Load reads; empty counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if !cfg.Clustered {
		t.Error("Clustered: expected true by default")
	}
	if cfg.MaxConcurrency != 4*runtime.NumCPU() {
		t.Errorf("MaxConcurrency: expected %d, got %d", 4*runtime.NumCPU(), cfg.MaxConcurrency)
	}
	if cfg.MaxBatchSize != cfg.MaxConcurrency {
		t.Errorf("MaxBatchSize: expected %d, got %d", cfg.MaxConcurrency, cfg.MaxBatchSize)
	}
	if cfg.MisfireThreshold != time.Minute {
		t.Errorf("MisfireThreshold: expected 60s, got %v", cfg.MisfireThreshold)
	}
	if cfg.HeartbeatInterval != 7500*time.Millisecond {
		t.Errorf("HeartbeatInterval: expected 7.5s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.LivenessWindow != 22500*time.Millisecond {
		t.Errorf("LivenessWindow: expected 22.5s, got %v", cfg.LivenessWindow)
	}
	if cfg.RecoveryInterval != 15*time.Second {
		t.Errorf("RecoveryInterval: expected 15s, got %v", cfg.RecoveryInterval)
	}
	if cfg.WaitForJobs {
		t.Error("WaitForJobs: expected false by default")
	}
	if cfg.DBOpTimeout != 5*time.Second || cfg.DBMaxOpenConns != 25 || cfg.DBMaxIdleConns != 5 {
		t.Errorf("db defaults: got %v/%d/%d", cfg.DBOpTimeout, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime != 30*time.Minute || cfg.DBConnMaxIdleTime != 5*time.Minute {
		t.Errorf("db conn lifetimes: got %v/%v", cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	}
	if cfg.HTTPAddr != ":8080" || cfg.HTTPShutdownTimeout != 10*time.Second {
		t.Errorf("http defaults: got %q/%v", cfg.HTTPAddr, cfg.HTTPShutdownTimeout)
	}
	if cfg.MetricsPath != "/metrics" || cfg.MetricsPort != 9090 {
		t.Errorf("metrics defaults: got %q/%d", cfg.MetricsPath, cfg.MetricsPort)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("log defaults: got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.invalid) != 0 {
		t.Errorf("unexpected parse errors: %v", cfg.invalid)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLUSTERED", "false")
	t.Setenv("NODE_ID", "node-7")
	t.Setenv("STORE_LOCK_KEY", "0x2a")
	t.Setenv("MAX_CONCURRENCY", "16")
	t.Setenv("HEARTBEAT_INTERVAL", "2s")
	t.Setenv("WAIT_FOR_JOBS", "true")
	t.Setenv("DB_CONN_MAX_LIFETIME", "1h")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()

	if cfg.Clustered || cfg.NodeID != "node-7" || cfg.StoreLockKey != 42 {
		t.Errorf("got clustered=%v node=%q lock=%d", cfg.Clustered, cfg.NodeID, cfg.StoreLockKey)
	}
	if cfg.MaxConcurrency != 16 || cfg.MaxBatchSize != 16 {
		t.Errorf("MaxConcurrency/MaxBatchSize: expected 16/16, got %d/%d", cfg.MaxConcurrency, cfg.MaxBatchSize)
	}
	if cfg.LivenessWindow != 6*time.Second {
		t.Errorf("LivenessWindow: expected 3 heartbeats (6s), got %v", cfg.LivenessWindow)
	}
	if !cfg.WaitForJobs {
		t.Error("WaitForJobs: expected true")
	}
	if cfg.DBConnMaxLifetime != time.Hour {
		t.Errorf("DBConnMaxLifetime: expected 1h, got %v", cfg.DBConnMaxLifetime)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr: got %q", cfg.RedisAddr)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")

	if cfg := Load(); cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr: expected :3000, got %q", cfg.HTTPAddr)
	}
}

func TestLoad_MalformedValuesKeepDefaultAndFailValidation(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"MAX_CONCURRENCY", "lots"},
		{"MISFIRE_THRESHOLD", "1 minute"},
		{"CLUSTERED", "maybe"},
		{"STORE_LOCK_KEY", "key"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATABASE_URL", "postgres://localhost/cronfleet")
			t.Setenv(tt.key, tt.value)

			cfg := Load()
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error for %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should mention %s: %q", tt.key, err.Error())
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "warn")
	// set-but-empty would shadow the file
	os.Unsetenv("NODE_ID")
	path := filepath.Join(t.TempDir(), ".env")
	content := "LOG_LEVEL=debug\nNODE_ID=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg := Load()

	if cfg.NodeID != "from-file" {
		t.Errorf("NodeID: expected from-file, got %q", cfg.NodeID)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: the environment should win over the file, got %q", cfg.LogLevel)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}

func TestMaskedJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://user:hunter2@db/cronfleet")

	data, err := Load().MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "hunter2") {
		t.Error("MaskedJSON leaked the database password")
	}
	for _, field := range []string{`"postgres://***"`, `"heartbeat_interval": "7.5s"`, `"db_op_timeout"`, `"max_concurrency"`} {
		if !strings.Contains(out, field) {
			t.Errorf("MaskedJSON missing %s", field)
		}
	}
}
