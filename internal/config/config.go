package config

import (
	"encoding/json"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Config holds all configuration for a cronfleet node.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	// Clustered=false runs a single node on the in-memory store.
	Clustered bool   `json:"clustered"`
	NodeID    string `json:"node_id,omitempty"`
	// StoreLockKey: all nodes of one cluster must use the same key.
	StoreLockKey int64 `json:"store_lock_key"`

	MaxConcurrency   int           `json:"max_concurrency"`
	MaxBatchSize     int           `json:"max_batch_size"`
	MisfireThreshold time.Duration `json:"-"`
	BatchWindow      time.Duration `json:"-"`
	MinPollInterval  time.Duration `json:"-"`
	MaxPollInterval  time.Duration `json:"-"`

	HeartbeatInterval time.Duration `json:"-"`
	// LivenessWindow defaults to three heartbeats.
	LivenessWindow   time.Duration `json:"-"`
	RecoveryInterval time.Duration `json:"-"`

	WaitForJobs     bool          `json:"wait_for_jobs"`
	ShutdownTimeout time.Duration `json:"-"`

	DBOpTimeout       time.Duration `json:"-"`
	DBMaxOpenConns    int           `json:"db_max_open_conns"`
	DBMaxIdleConns    int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `json:"-"`
	DBConnMaxIdleTime time.Duration `json:"-"`

	HTTPAddr            string        `json:"http_addr"`
	HTTPShutdownTimeout time.Duration `json:"-"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    int    `json:"metrics_port"`

	// RedisAddr enables per-job outcome analytics when set.
	RedisAddr string `json:"redis_addr,omitempty"`

	// CircuitBreakerThreshold: 0 disables the webhook circuit breaker.
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `json:"-"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// malformed values seen by Load, reported by Validate
	invalid ValidationErrors
}

// LoadDotEnv adds the variables of an env file to the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
// Malformed values keep their default and are reported by Validate.
func Load() Config {
	e := &env{}
	cfg := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Clustered:    e.bool("CLUSTERED", true),
		NodeID:       os.Getenv("NODE_ID"),
		StoreLockKey: e.int64("STORE_LOCK_KEY", 0x63726f6e666c74),

		MaxConcurrency:   e.int("MAX_CONCURRENCY", 4*runtime.NumCPU()),
		MisfireThreshold: e.duration("MISFIRE_THRESHOLD", 60*time.Second),
		BatchWindow:      e.duration("BATCH_WINDOW", 0),
		MinPollInterval:  e.duration("MIN_POLL_INTERVAL", 100*time.Millisecond),
		MaxPollInterval:  e.duration("MAX_POLL_INTERVAL", 30*time.Second),

		HeartbeatInterval: e.duration("HEARTBEAT_INTERVAL", 7500*time.Millisecond),
		RecoveryInterval:  e.duration("RECOVERY_INTERVAL", 15*time.Second),

		WaitForJobs:     e.bool("WAIT_FOR_JOBS", false),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DBOpTimeout:       e.duration("DB_OP_TIMEOUT", 5*time.Second),
		DBMaxOpenConns:    e.int("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    e.int("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: e.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: e.duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		HTTPAddr:            os.Getenv("HTTP_ADDR"),
		HTTPShutdownTimeout: e.duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MetricsEnabled: e.bool("METRICS_ENABLED", false),
		MetricsPath:    e.string("METRICS_PATH", "/metrics"),
		MetricsPort:    e.int("METRICS_PORT", 9090),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		CircuitBreakerThreshold: e.int("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldown:  e.duration("CIRCUIT_BREAKER_COOLDOWN", time.Minute),

		LogLevel:  e.string("LOG_LEVEL", "info"),
		LogFormat: e.string("LOG_FORMAT", "console"),
	}
	cfg.MaxBatchSize = e.int("MAX_BATCH_SIZE", cfg.MaxConcurrency)
	cfg.LivenessWindow = e.duration("LIVENESS_WINDOW", 3*cfg.HeartbeatInterval)

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.invalid = e.errs
	return cfg
}

type env struct {
	errs ValidationErrors
}

func (e *env) string(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, ValidationError{Field: key, Message: "invalid duration " + strconv.Quote(v)})
		return def
	}
	return d
}

func (e *env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, ValidationError{Field: key, Message: "invalid integer " + strconv.Quote(v)})
		return def
	}
	return n
}

func (e *env) int64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		e.errs = append(e.errs, ValidationError{Field: key, Message: "invalid integer " + strconv.Quote(v)})
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, ValidationError{Field: key, Message: "invalid boolean " + strconv.Quote(v)})
		return def
	}
	return b
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	type durations struct {
		MisfireThreshold       string `json:"misfire_threshold"`
		BatchWindow            string `json:"batch_window"`
		MinPollInterval        string `json:"min_poll_interval"`
		MaxPollInterval        string `json:"max_poll_interval"`
		HeartbeatInterval      string `json:"heartbeat_interval"`
		LivenessWindow         string `json:"liveness_window"`
		RecoveryInterval       string `json:"recovery_interval"`
		ShutdownTimeout        string `json:"shutdown_timeout"`
		DBOpTimeout            string `json:"db_op_timeout"`
		DBConnMaxLifetime      string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime      string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout    string `json:"http_shutdown_timeout"`
		CircuitBreakerCooldown string `json:"circuit_breaker_cooldown"`
	}
	masked := struct {
		Config
		durations
	}{
		Config: c,
		durations: durations{
			MisfireThreshold:       c.MisfireThreshold.String(),
			BatchWindow:            c.BatchWindow.String(),
			MinPollInterval:        c.MinPollInterval.String(),
			MaxPollInterval:        c.MaxPollInterval.String(),
			HeartbeatInterval:      c.HeartbeatInterval.String(),
			LivenessWindow:         c.LivenessWindow.String(),
			RecoveryInterval:       c.RecoveryInterval.String(),
			ShutdownTimeout:        c.ShutdownTimeout.String(),
			DBOpTimeout:            c.DBOpTimeout.String(),
			DBConnMaxLifetime:      c.DBConnMaxLifetime.String(),
			DBConnMaxIdleTime:      c.DBConnMaxIdleTime.String(),
			HTTPShutdownTimeout:    c.HTTPShutdownTimeout.String(),
			CircuitBreakerCooldown: c.CircuitBreakerCooldown.String(),
		},
	}
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
