package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bimakw/nft-indexer/internal/application/services"
	"github.com/bimakw/nft-indexer/internal/config"
	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/infrastructure/cache"
	"github.com/bimakw/nft-indexer/internal/infrastructure/database"
	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
	"github.com/bimakw/nft-indexer/internal/presentation/handlers"
	"github.com/bimakw/nft-indexer/internal/presentation/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting nft-indexer API",
		zap.Int("port", cfg.API.Port),
	)

	// Connect to database
	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Create repositories
	transferRepo := database.NewTokenTransferRepo(db.DB())
	stateRepo := database.NewBackfillStateRepo(db.DB())

	optionalChecks := map[string]handlers.HealthChecker{}

	// Connect to Redis (optional). Without it the API serves uncached reads and
	// the backfill admin routes are not mounted.
	var transferService *services.TransferService
	var backfillHandler *handlers.BackfillHandler

	redisClient, err := cache.NewRedisClient(context.Background(), cfg.Redis, logger)
	if err != nil {
		logger.Warn("Failed to connect to Redis, running without cache and backfill admin", zap.Error(err))
		transferService = services.NewTransferService(transferRepo, nil, logger)
	} else {
		defer redisClient.Close()

		redisCache := cache.NewRedisCache(redisClient, cfg.API.CacheTTL, logger)
		optionalChecks["redis"] = redisCache
		transferService = services.NewTransferService(transferRepo, redisCache, logger)

		backend := queue.NewRedisBackend(redisClient, cfg.Queue.Prefix)
		jobOpts := queue.JobOptionsFromConfig(cfg.Queue)

		// The API only produces jobs; the worker binary runs them
		backfillService := services.NewBackfillService(
			nil,
			nil,
			transferRepo,
			stateRepo,
			queue.New(entities.TokenTransfersQueue, backend, jobOpts),
			queue.New(entities.TokenTransfersSeedQueue, backend, jobOpts),
			nil,
			cfg.Backfill,
			nil,
			logger,
		)
		backfillHandler = handlers.NewBackfillHandler(backfillService, logger)
	}

	// Create handlers
	transactionHandler := handlers.NewTransactionHandler(transferService, logger)
	healthHandler := handlers.NewHealthHandler(db, optionalChecks)

	// Setup router
	r := chi.NewRouter()

	// Middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(middleware.NewHTTPMetrics(prometheus.DefaultRegisterer)))
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no rate limiting)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Get("/live", healthHandler.Live)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimiter(cfg.API.RateLimitRPS))

		transactionHandler.RegisterRoutes(r)
		if backfillHandler != nil {
			backfillHandler.RegisterRoutes(r)
		}
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	// Run server in goroutine
	go func() {
		logger.Info("API server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Received shutdown signal, shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, _ := config.Build()
	return logger
}
