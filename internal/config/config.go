package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application
type Config struct {
	// Ethereum node configuration
	Ethereum EthereumConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration, shared by the job queue and the API cache
	Redis RedisConfig

	// API server configuration
	API APIConfig

	// Job queue configuration
	Queue QueueConfig

	// Backfill worker configuration
	Backfill BackfillConfig

	// Logging configuration
	Log LogConfig
}

// EthereumConfig holds Ethereum node connection settings
type EthereumConfig struct {
	RPCURL         string        `envconfig:"ETH_RPC_URL" default:"http://localhost:8545"`
	ChainID        int64         `envconfig:"ETH_CHAIN_ID" default:"1"`
	RequestTimeout time.Duration `envconfig:"ETH_REQUEST_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"ETH_MAX_RETRIES" default:"3"`
	RetryDelay     time.Duration `envconfig:"ETH_RETRY_DELAY" default:"1s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"indexer"`
	Password        string        `envconfig:"DB_PASSWORD" default:"indexer"`
	Name            string        `envconfig:"DB_NAME" default:"nft_indexer"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	AutoMigrate     bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Host            string        `envconfig:"API_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"API_PORT" default:"8081"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    int           `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	CacheTTL        time.Duration `envconfig:"API_CACHE_TTL" default:"30s"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Prefix           string        `envconfig:"QUEUE_PREFIX" default:"bull"`
	Concurrency      int           `envconfig:"QUEUE_CONCURRENCY" default:"10"`
	Attempts         int           `envconfig:"QUEUE_ATTEMPTS" default:"10"`
	BackoffDelay     time.Duration `envconfig:"QUEUE_BACKOFF_DELAY" default:"1s"`
	MaxBackoff       time.Duration `envconfig:"QUEUE_MAX_BACKOFF" default:"10m"`
	RemoveOnComplete int64         `envconfig:"QUEUE_REMOVE_ON_COMPLETE" default:"10000"`
	RemoveOnFail     int64         `envconfig:"QUEUE_REMOVE_ON_FAIL" default:"10000"`
	StallTimeout     time.Duration `envconfig:"QUEUE_STALL_TIMEOUT" default:"5m"`
	PollTimeout      time.Duration `envconfig:"QUEUE_POLL_TIMEOUT" default:"5s"`
	PromoteInterval  time.Duration `envconfig:"QUEUE_PROMOTE_INTERVAL" default:"1s"`
}

// BackfillConfig holds backfill worker settings
type BackfillConfig struct {
	Enabled          bool  `envconfig:"BACKFILL_ENABLED" default:"true"`
	MetricsPort      int   `envconfig:"BACKFILL_METRICS_PORT" default:"8080"`
	SeedBatchSize    int64 `envconfig:"BACKFILL_SEED_BATCH_SIZE" default:"1000"`
	LogsRangeSize    int   `envconfig:"BACKFILL_LOGS_RANGE_SIZE" default:"100"`
	FetchConcurrency int   `envconfig:"BACKFILL_FETCH_CONCURRENCY" default:"4"`

	// Seed once from the chain head when the worker starts. A Redis lock keeps
	// concurrent workers from starting the same run twice.
	SeedOnStart   bool          `envconfig:"BACKFILL_SEED_ON_START" default:"false"`
	SeedFromBlock int64         `envconfig:"BACKFILL_SEED_FROM_BLOCK" default:"0"`
	SeedLockTTL   time.Duration `envconfig:"BACKFILL_SEED_LOCK_TTL" default:"720h"`

	// Contracts to scan when seeding (comma-separated addresses, empty scans all)
	Contracts []string `envconfig:"BACKFILL_CONTRACTS"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
