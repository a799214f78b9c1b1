package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/analytics"
	"github.com/djlord-it/cronfleet/internal/api"
	"github.com/djlord-it/cronfleet/internal/config"
	"github.com/djlord-it/cronfleet/internal/logging"
	"github.com/djlord-it/cronfleet/internal/metrics"
	"github.com/djlord-it/cronfleet/internal/scheduler"
	"github.com/djlord-it/cronfleet/internal/store/memory"
	"github.com/djlord-it/cronfleet/internal/store/postgres"

	_ "github.com/lib/pq"
)

var _ api.Scheduler = (*scheduler.Scheduler)(nil)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	envFile := os.Getenv("CRONFLEET_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`cronfleet - clustered persistent job scheduler

Usage:
  cronfleet <command>

Commands:
  serve      Start a scheduler node and its HTTP API
  migrate    Create the job store tables and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Variables are read from the environment and from .env (or CRONFLEET_ENV_FILE).

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required when clustered)
  CLUSTERED                 Share state through PostgreSQL (default: "true")
  NODE_ID                   Node identity (default: hostname + random suffix)
  STORE_LOCK_KEY            Advisory lock id shared by one cluster

  MAX_CONCURRENCY           Worker slots (default: 4 x CPUs)
  MAX_BATCH_SIZE            Triggers acquired per cycle (default: MAX_CONCURRENCY)
  MISFIRE_THRESHOLD         Lateness before a firing misfires (default: "60s")
  BATCH_WINDOW              Look-ahead when acquiring (default: "0s")
  MIN_POLL_INTERVAL         Fastest acquisition poll (default: "100ms")
  MAX_POLL_INTERVAL         Slowest acquisition poll (default: "30s")

  HEARTBEAT_INTERVAL        Node heartbeat period (default: "7.5s")
  LIVENESS_WINDOW           Silence before a node is dead (default: 3 heartbeats)
  RECOVERY_INTERVAL         Dead node scan period (default: "15s")
  WAIT_FOR_JOBS             Let running jobs finish on shutdown (default: "false")
  SHUTDOWN_TIMEOUT          Upper bound on node shutdown (default: "30s")

  DB_OP_TIMEOUT             Startup database probe timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_ADDR                 HTTP server address (default: ":8080")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  REDIS_ADDR                Redis address for outcome analytics (optional)
  CIRCUIT_BREAKER_THRESHOLD Webhook failures before the breaker opens, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Webhook breaker open time (default: "1m")

  LOG_LEVEL                 debug, info, warn or error (default: "info")
  LOG_FORMAT                console or json (default: "console")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	defer log.Sync()

	logConfigWarnings(log, cfg)

	var (
		store scheduler.Store
		db    *sql.DB
	)
	if cfg.Clustered {
		db, err = openDatabase(cfg)
		if err != nil {
			log.Errorw("cronfleet: database unavailable", "err", err)
			return exitRuntimeError
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
		err = probeDatabase(ctx, db)
		if err == nil {
			err = postgres.Migrate(ctx, db)
		}
		cancel()
		if err != nil {
			log.Errorw("cronfleet: database unavailable", "err", err)
			return exitRuntimeError
		}
		log.Infow("cronfleet: db pool configured",
			"max_open", cfg.DBMaxOpenConns, "max_idle", cfg.DBMaxIdleConns,
			"max_lifetime", cfg.DBConnMaxLifetime, "max_idle_time", cfg.DBConnMaxIdleTime)
		store = postgres.New(db).WithLockKey(cfg.StoreLockKey)
	} else {
		store = memory.New()
	}

	sched := scheduler.New(schedulerConfig(cfg), store).WithLogger(log)
	handler := api.NewHandler(sched).WithLogger(log)
	if db != nil {
		handler = handler.WithHealthChecker(db)
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sched.WithMetrics(metrics.NewPrometheusSink(prometheus.DefaultRegisterer, log))

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
			Handler: metricsMux,
		}
		go serve(log, "metrics", metricsServer)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		sink := analytics.NewRedisSink(client, analytics.DefaultConfig()).WithLogger(log)
		sched.WithListener(sink)
		handler = handler.WithStats(sink)
		log.Infow("cronfleet: analytics enabled", "redis", cfg.RedisAddr)
	}

	if err := sched.Start(context.Background()); err != nil {
		log.Errorw("cronfleet: scheduler failed to start", "err", err)
		return exitRuntimeError
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}
	go serve(log, "http", httpServer)

	log.Infow("cronfleet: started",
		"node", sched.NodeID(), "clustered", cfg.Clustered, "http", cfg.HTTPAddr,
		"max_concurrency", cfg.MaxConcurrency, "version", version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Infow("cronfleet: shutting down", "signal", received.String(), "wait_for_jobs", cfg.WaitForJobs)

	code := exitSuccess

	// Phase 1: stop acquiring, settle or abandon running jobs, leave the cluster
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := sched.Shutdown(ctx, cfg.WaitForJobs); err != nil {
		log.Errorw("cronfleet: scheduler shutdown", "err", err)
		code = exitRuntimeError
	}
	cancel()

	// Phase 2: stop the HTTP servers
	ctx, cancel = context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnw("cronfleet: http server shutdown", "err", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warnw("cronfleet: metrics server shutdown", "err", err)
		}
	}

	log.Infow("cronfleet: stopped")
	return code
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		NodeID:                  cfg.NodeID,
		MaxConcurrency:          cfg.MaxConcurrency,
		MaxBatchSize:            cfg.MaxBatchSize,
		BatchWindow:             cfg.BatchWindow,
		MisfireThreshold:        cfg.MisfireThreshold,
		MinPollInterval:         cfg.MinPollInterval,
		MaxPollInterval:         cfg.MaxPollInterval,
		HeartbeatInterval:       cfg.HeartbeatInterval,
		LivenessWindow:          cfg.LivenessWindow,
		RecoveryInterval:        cfg.RecoveryInterval,
		WebhookBreakerThreshold: cfg.CircuitBreakerThreshold,
		WebhookBreakerCooldown:  cfg.CircuitBreakerCooldown,
	}
}

func serve(log *zap.SugaredLogger, name string, srv *http.Server) {
	log.Infow("cronfleet: server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("cronfleet: server error", "server", name, "err", err)
	}
}

func openDatabase(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	return db, nil
}

// probeDatabase fails fast when the database cannot be reached.
func probeDatabase(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return errors.WithHint(errors.Wrap(err, "ping database"), "check DATABASE_URL and that PostgreSQL is reachable")
	}
	return nil
}

func runMigrate() int {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "configuration error: DATABASE_URL: required")
		return exitInvalidConfig
	}

	db, err := openDatabase(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	defer cancel()
	if err := probeDatabase(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println("schema up to date")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("cronfleet version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
