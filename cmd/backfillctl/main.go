package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bimakw/nft-indexer/internal/application/services"
	"github.com/bimakw/nft-indexer/internal/config"
	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/infrastructure/cache"
	"github.com/bimakw/nft-indexer/internal/infrastructure/database"
	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(connect).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// connect wires a producer-only backfill service from the environment
func connect(ctx context.Context) (backfillAdmin, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Log.Level)

	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	backend := queue.NewRedisBackend(redisClient, cfg.Queue.Prefix)
	jobOpts := queue.JobOptionsFromConfig(cfg.Queue)

	service := services.NewBackfillService(
		nil,
		nil,
		database.NewTokenTransferRepo(db.DB()),
		database.NewBackfillStateRepo(db.DB()),
		queue.New(entities.TokenTransfersQueue, backend, jobOpts),
		queue.New(entities.TokenTransfersSeedQueue, backend, jobOpts),
		nil,
		cfg.Backfill,
		nil,
		logger,
	)

	cleanup := func() {
		_ = redisClient.Close()
		_ = db.Close()
		_ = logger.Sync()
	}

	return service, cleanup, nil
}

// setupLogger logs to stderr so command output stays machine readable
func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.WarnLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, _ := config.Build()
	return logger
}
