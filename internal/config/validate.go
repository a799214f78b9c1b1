package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.invalid...)
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	// a cluster shares its state through the database
	if cfg.Clustered && cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required when CLUSTERED=true")
	}

	if cfg.MaxConcurrency < 1 {
		add("MAX_CONCURRENCY", "must be at least 1")
	}
	if cfg.MaxBatchSize < 1 {
		add("MAX_BATCH_SIZE", "must be at least 1")
	}
	if cfg.MisfireThreshold <= 0 {
		add("MISFIRE_THRESHOLD", "must be positive")
	}
	if cfg.BatchWindow < 0 {
		add("BATCH_WINDOW", "must not be negative")
	}
	if cfg.MinPollInterval <= 0 {
		add("MIN_POLL_INTERVAL", "must be positive")
	}
	if cfg.MaxPollInterval < cfg.MinPollInterval {
		add("MAX_POLL_INTERVAL", "must not be below MIN_POLL_INTERVAL")
	}

	if cfg.HeartbeatInterval <= 0 {
		add("HEARTBEAT_INTERVAL", "must be positive")
	}
	// liveness must survive at least one missed heartbeat
	if cfg.HeartbeatInterval > 0 && cfg.LivenessWindow <= cfg.HeartbeatInterval {
		add("LIVENESS_WINDOW", fmt.Sprintf("must exceed HEARTBEAT_INTERVAL (%s)", cfg.HeartbeatInterval))
	}
	if cfg.RecoveryInterval <= 0 {
		add("RECOVERY_INTERVAL", "must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		add("SHUTDOWN_TIMEOUT", "must be positive")
	}

	if cfg.DBOpTimeout <= 0 {
		add("DB_OP_TIMEOUT", "must be positive")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		add("DB_MAX_IDLE_CONNS", "must not exceed DB_MAX_OPEN_CONNS")
	}

	if cfg.MetricsEnabled {
		if !strings.HasPrefix(cfg.MetricsPath, "/") {
			add("METRICS_PATH", "must start with /")
		}
		if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
			add("METRICS_PORT", "must be a valid port")
		}
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json", "console":
	default:
		add("LOG_FORMAT", fmt.Sprintf("must be 'json' or 'console', got %q", cfg.LogFormat))
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL", fmt.Sprintf("must be debug, info, warn or error, got %q", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
