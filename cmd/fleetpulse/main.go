// Package main provides the FleetPulse machine telemetry service.
//
// This is the main ingestion and analytics service that accepts machine event
// batches, resolves duplicate and out-of-order deliveries through the
// two-stage upsert engine, and serves defect analytics over the stored fleet.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fleetpulse-io/fleetpulse/internal/api"
	"github.com/fleetpulse-io/fleetpulse/internal/api/middleware"
	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
	"github.com/fleetpulse-io/fleetpulse/internal/stats"
	"github.com/fleetpulse-io/fleetpulse/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "fleetpulse"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting FleetPulse service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	eventStore, err := storage.NewEventStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to initialize event store", slog.String("error", err.Error()))
		// Close database connection before exit (defer won't run with os.Exit)
		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Event store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	engine := ingestion.NewEngine(eventStore, logger)

	// Load analytics policy (defaults, optional YAML file, env overrides)
	policy := stats.LoadPolicy()
	if err := policy.Validate(); err != nil {
		logger.Error("Invalid stats policy", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Stats policy loaded",
		slog.Float64("healthy_defect_rate", policy.HealthyDefectRate),
		slog.Float64("min_window_hours", policy.MinWindowHours),
		slog.Int("top_lines_limit", policy.TopLinesLimit),
	)

	statsService := stats.NewService(eventStore, policy, logger)

	server := api.NewServer(serverConfig, eventStore, engine, statsService, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("FleetPulse service stopped")
}
