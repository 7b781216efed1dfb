package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bimakw/nft-indexer/internal/application/services"
	"github.com/bimakw/nft-indexer/internal/config"
	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/infrastructure/cache"
	"github.com/bimakw/nft-indexer/internal/infrastructure/database"
	"github.com/bimakw/nft-indexer/internal/infrastructure/ethereum"
	"github.com/bimakw/nft-indexer/internal/infrastructure/metrics"
	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
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

	if !cfg.Backfill.Enabled {
		logger.Info("Backfill worker disabled, exiting")
		return
	}

	logger.Info("Starting backfill worker",
		zap.String("rpc_url", cfg.Ethereum.RPCURL),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Int("attempts", cfg.Queue.Attempts),
	)

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	// Connect to Ethereum node
	ethClient, err := ethereum.NewClient(cfg.Ethereum, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum node", zap.Error(err))
	}
	defer ethClient.Close()

	// Connect to Redis
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Create queues
	backend := queue.NewRedisBackend(redisClient, cfg.Queue.Prefix)
	jobOpts := queue.JobOptionsFromConfig(cfg.Queue)
	transferQueue := queue.New(entities.TokenTransfersQueue, backend, jobOpts)
	seedQueue := queue.New(entities.TokenTransfersSeedQueue, backend, jobOpts)

	// Create repositories
	transferRepo := database.NewTokenTransferRepo(db.DB())
	stateRepo := database.NewBackfillStateRepo(db.DB())

	backfillMetrics := metrics.NewBackfillMetrics(prometheus.DefaultRegisterer)

	// Create backfill service
	backfillService := services.NewBackfillService(
		ethClient,
		ethereum.NewTransactionParser(),
		transferRepo,
		stateRepo,
		transferQueue,
		seedQueue,
		ethereum.NewFetcher(ethClient, cfg.Backfill, logger),
		cfg.Backfill,
		backfillMetrics,
		logger,
	)

	if cfg.Backfill.SeedOnStart {
		locker := cache.NewRedisLocker(redisClient, cfg.Queue.Prefix)
		id, err := backfillService.SeedFromHead(ctx, locker, ethClient, "default", cfg.Backfill.SeedFromBlock)
		if err != nil {
			logger.Error("Failed to start seed from chain head", zap.Error(err))
		} else if id != "" {
			logger.Info("Seeded backfill from chain head", zap.String("job_id", id))
		}
	}

	workerOpts := queue.WorkerOptionsFromConfig(cfg.Queue)
	transferWorker := queue.NewWorker(transferQueue, backfillService.ProcessTokenTransfers, workerOpts, backfillMetrics, logger)

	// Seeding is sequential by construction: each job enqueues its successor
	seedOpts := workerOpts
	seedOpts.Concurrency = 1
	seedWorker := queue.NewWorker(seedQueue, backfillService.ProcessSeed, seedOpts, backfillMetrics, logger)

	// Start metrics server
	metricsServer := newMetricsServer(cfg.Backfill.MetricsPort, db, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transferWorker.Run(gCtx)
	})
	g.Go(func() error {
		return seedWorker.Run(gCtx)
	})
	g.Go(func() error {
		logger.Info("Starting metrics server", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Received shutdown signal, finishing running jobs...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Backfill worker stopped with error", zap.Error(err))
		return
	}

	logger.Info("Backfill worker stopped")
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

func newMetricsServer(port int, db *database.PostgresDB, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			logger.Warn("Health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
