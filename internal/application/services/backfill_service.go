package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/bimakw/nft-indexer/internal/config"
	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/domain/repositories"
	"github.com/bimakw/nft-indexer/internal/infrastructure/ethereum"
	"github.com/bimakw/nft-indexer/internal/infrastructure/metrics"
	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
)

var (
	// ErrInvalidTxHash is returned for hashes that are not 32-byte 0x hex strings
	ErrInvalidTxHash = errors.New("invalid transaction hash")

	// ErrInvalidSeedRange is returned for an unusable seeding window
	ErrInvalidSeedRange = errors.New("invalid seed range")

	// ErrUnknownQueue is returned when an admin operation names a queue the service does not own
	ErrUnknownQueue = errors.New("unknown queue")
)

// LogFetcher returns the raw logs emitted by a transaction
type LogFetcher interface {
	GetTransactionLogs(ctx context.Context, txHash string) ([]types.Log, error)
}

// TransferScanner finds transactions that emitted Transfer events in a block range
type TransferScanner interface {
	FetchTransferTxHashes(ctx context.Context, contracts []string, fromBlock, toBlock int64) ([]string, error)
}

// Locker grants a named lock to a single holder until its ttl expires or the
// holder releases it
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// ChainHead reports the latest block of the chain
type ChainHead interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
}

// JobQueue is the producer side of a job queue
type JobQueue interface {
	Name() string
	Add(ctx context.Context, data interface{}) (string, error)
	AddBulk(ctx context.Context, data []interface{}) ([]string, error)
	FailedJobs(ctx context.Context, limit int64) ([]*queue.Job, error)
	RetryFailed(ctx context.Context, id string) error
	Counts(ctx context.Context) (map[string]int64, error)
}

// BackfillService fills token_transfers from historical transactions
type BackfillService struct {
	logs          LogFetcher
	parser        *ethereum.TransactionParser
	transferRepo  repositories.TokenTransferRepository
	stateRepo     repositories.BackfillStateRepository
	transferQueue JobQueue
	seedQueue     JobQueue
	scanner       TransferScanner
	config        config.BackfillConfig
	metrics       *metrics.BackfillMetrics
	logger        *zap.Logger
}

// NewBackfillService creates a new backfill service. Producers that never run
// jobs may pass nil for logs and scanner.
func NewBackfillService(
	logs LogFetcher,
	parser *ethereum.TransactionParser,
	transferRepo repositories.TokenTransferRepository,
	stateRepo repositories.BackfillStateRepository,
	transferQueue JobQueue,
	seedQueue JobQueue,
	scanner TransferScanner,
	cfg config.BackfillConfig,
	m *metrics.BackfillMetrics,
	logger *zap.Logger,
) *BackfillService {
	if parser == nil {
		parser = ethereum.NewTransactionParser()
	}

	return &BackfillService{
		logs:          logs,
		parser:        parser,
		transferRepo:  transferRepo,
		stateRepo:     stateRepo,
		transferQueue: transferQueue,
		seedQueue:     seedQueue,
		scanner:       scanner,
		config:        cfg,
		metrics:       m,
		logger:        logger,
	}
}

// ProcessTokenTransfers handles one backfill-token-transfers job: fetch the
// transaction logs, decode them and persist the Transfer events. Any error is
// returned so the queue retries the job.
func (s *BackfillService) ProcessTokenTransfers(ctx context.Context, job *queue.Job) error {
	var payload entities.TokenTransfersJob
	if err := job.Decode(&payload); err != nil {
		return queue.Unrecoverable(err)
	}

	hash, err := NormalizeTxHash(payload.Hash)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	logs, err := s.logs.GetTransactionLogs(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to fetch logs of %s: %w", hash, err)
	}

	parsed := s.parser.DecodeTransactionLogs(logs)
	decoded := parsed.Successful(ethereum.TokenTransferParserName)
	s.metrics.Declined(len(parsed[ethereum.TokenTransferParserName]) - len(decoded))

	transfers := make([]entities.TokenTransfer, len(decoded))
	for i, d := range decoded {
		transfers[i] = entities.NewTokenTransfer(d)
	}

	if err := s.transferRepo.SaveTransfers(ctx, transfers); err != nil {
		s.logger.Error("Failed to save token transfers",
			zap.String("tx_hash", hash),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade+1),
			zap.Int("transfers", len(transfers)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to save token transfers of %s: %w", hash, err)
	}

	s.metrics.TransfersSaved(len(transfers))

	s.logger.Debug("Backfilled token transfers",
		zap.String("tx_hash", hash),
		zap.Int("logs", len(logs)),
		zap.Int("transfers", len(transfers)),
	)

	return nil
}

// EnqueueTransaction adds a backfill job for one transaction
func (s *BackfillService) EnqueueTransaction(ctx context.Context, txHash string) (string, error) {
	ids, err := s.EnqueueTransactions(ctx, []string{txHash})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueTransactions adds one backfill job per hash. Nothing is enqueued if
// any hash is malformed.
func (s *BackfillService) EnqueueTransactions(ctx context.Context, txHashes []string) ([]string, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	jobs := make([]interface{}, len(txHashes))
	for i, h := range txHashes {
		hash, err := NormalizeTxHash(h)
		if err != nil {
			return nil, err
		}
		jobs[i] = entities.TokenTransfersJob{Hash: hash}
	}

	ids, err := s.transferQueue.AddBulk(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue transactions: %w", err)
	}

	s.metrics.Enqueued(len(ids))
	return ids, nil
}

// StartSeed enqueues the first job of a seeding run that walks from toBlock back
// to fromBlock. A non-positive batchSize uses the configured default.
func (s *BackfillService) StartSeed(ctx context.Context, name string, fromBlock, toBlock, batchSize int64) (string, error) {
	if batchSize <= 0 {
		batchSize = s.config.SeedBatchSize
	}
	if name == "" {
		name = "default"
	}
	if fromBlock < 0 || toBlock < fromBlock || batchSize <= 0 {
		return "", fmt.Errorf("%w: from %d to %d batch %d", ErrInvalidSeedRange, fromBlock, toBlock, batchSize)
	}

	cursor := entities.SeedCursor{
		Name:      name,
		Cursor:    toBlock,
		StopBlock: fromBlock,
		BatchSize: batchSize,
		Contracts: s.config.Contracts,
	}

	id, err := s.seedQueue.Add(ctx, cursor)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue seed: %w", err)
	}

	s.logger.Info("Started backfill seed",
		zap.String("seed", name),
		zap.Int64("from_block", fromBlock),
		zap.Int64("to_block", toBlock),
		zap.Int64("batch_size", batchSize),
		zap.String("job_id", id),
	)

	return id, nil
}

// SeedFromHead starts the named seeding run from the current chain head down to
// fromBlock, unless another process already started it while the lock is held.
// It returns an empty job id when the lock was not acquired.
func (s *BackfillService) SeedFromHead(ctx context.Context, locker Locker, head ChainHead, name string, fromBlock int64) (string, error) {
	if name == "" {
		name = "default"
	}

	lock := entities.TokenTransfersSeedQueue + ":" + name
	acquired, err := locker.Acquire(ctx, lock, s.config.SeedLockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		s.logger.Info("Seed already started elsewhere", zap.String("seed", name))
		return "", nil
	}

	id, err := s.seedFromHead(ctx, head, name, fromBlock)
	if err != nil {
		// let the next start try again
		if rErr := locker.Release(context.WithoutCancel(ctx), lock); rErr != nil {
			s.logger.Warn("Failed to release seed lock", zap.String("seed", name), zap.Error(rErr))
		}
		return "", err
	}

	return id, nil
}

func (s *BackfillService) seedFromHead(ctx context.Context, head ChainHead, name string, fromBlock int64) (string, error) {
	latest, err := head.GetLatestBlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get latest block: %w", err)
	}

	return s.StartSeed(ctx, name, fromBlock, int64(latest), 0)
}

// ProcessSeed handles one seed job: enqueue every transaction with a Transfer
// event in the cursor window, record progress and chain the next window.
func (s *BackfillService) ProcessSeed(ctx context.Context, job *queue.Job) error {
	var cursor entities.SeedCursor
	if err := job.Decode(&cursor); err != nil {
		return queue.Unrecoverable(err)
	}
	if cursor.BatchSize <= 0 || cursor.Cursor < cursor.StopBlock {
		return queue.Unrecoverable(fmt.Errorf("%w: cursor %d stop %d batch %d",
			ErrInvalidSeedRange, cursor.Cursor, cursor.StopBlock, cursor.BatchSize))
	}

	from, to := cursor.Window()

	hashes, err := s.scanner.FetchTransferTxHashes(ctx, cursor.Contracts, from, to)
	if err != nil {
		return fmt.Errorf("failed to scan blocks %d-%d: %w", from, to, err)
	}

	if _, err := s.EnqueueTransactions(ctx, hashes); err != nil {
		return err
	}

	next, more := cursor.Next()

	state := &entities.BackfillState{
		Name:          cursor.Name,
		CursorBlock:   from,
		StopBlock:     cursor.StopBlock,
		EnqueuedCount: int64(len(hashes)),
		Completed:     !more,
	}
	if err := s.stateRepo.Upsert(ctx, state); err != nil {
		return fmt.Errorf("failed to record seed progress: %w", err)
	}
	s.metrics.SeedProgress(cursor.Name, from)

	s.logger.Info("Seeded block window",
		zap.String("seed", cursor.Name),
		zap.Int64("from_block", from),
		zap.Int64("to_block", to),
		zap.Int("tx_count", len(hashes)),
		zap.Bool("completed", !more),
	)

	if !more {
		return nil
	}

	if _, err := s.seedQueue.Add(ctx, next); err != nil {
		return fmt.Errorf("failed to enqueue next seed window: %w", err)
	}

	return nil
}

// SeedState returns the progress of a seeding run, nil if it never ran
func (s *BackfillService) SeedState(ctx context.Context, name string) (*entities.BackfillState, error) {
	state, err := s.stateRepo.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get seed state: %w", err)
	}
	return state, nil
}

// QueueStats holds the job counts of one queue
type QueueStats struct {
	Queue  string           `json:"queue"`
	Counts map[string]int64 `json:"counts"`
}

// Stats returns job counts for the backfill queues
func (s *BackfillService) Stats(ctx context.Context) ([]QueueStats, error) {
	var stats []QueueStats
	for _, q := range []JobQueue{s.transferQueue, s.seedQueue} {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs in %s: %w", q.Name(), err)
		}
		stats = append(stats, QueueStats{Queue: q.Name(), Counts: counts})
	}
	return stats, nil
}

// FailedJobs lists terminally failed jobs of the named queue
func (s *BackfillService) FailedJobs(ctx context.Context, queueName string, limit int64) ([]*queue.Job, error) {
	q, err := s.queueByName(queueName)
	if err != nil {
		return nil, err
	}
	return q.FailedJobs(ctx, limit)
}

// RetryFailed re-enqueues a terminally failed job of the named queue
func (s *BackfillService) RetryFailed(ctx context.Context, queueName, id string) error {
	q, err := s.queueByName(queueName)
	if err != nil {
		return err
	}
	if err := q.RetryFailed(ctx, id); err != nil {
		return err
	}

	s.logger.Info("Retrying failed job",
		zap.String("queue", queueName),
		zap.String("job_id", id),
	)
	return nil
}

func (s *BackfillService) queueByName(name string) (JobQueue, error) {
	switch name {
	case "", s.transferQueue.Name():
		return s.transferQueue, nil
	case s.seedQueue.Name():
		return s.seedQueue, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
}

// NormalizeTxHash validates a transaction hash and returns it as lowercase 0x hex
func NormalizeTxHash(hash string) (string, error) {
	b, err := hexutil.Decode(strings.TrimSpace(hash))
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	return hexutil.Encode(b), nil
}
