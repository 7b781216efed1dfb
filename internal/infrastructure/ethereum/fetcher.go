package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bimakw/nft-indexer/internal/config"
)

// LogFilterer is the subset of the node client used to scan block ranges
type LogFilterer interface {
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// Fetcher scans block ranges for transactions that emitted Transfer events
type Fetcher struct {
	client LogFilterer
	config config.BackfillConfig
	logger *zap.Logger
}

// NewFetcher creates a new blockchain data fetcher
func NewFetcher(client LogFilterer, cfg config.BackfillConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// FetchTransferTxHashes returns the distinct hashes of transactions that emitted a
// Transfer event within [fromBlock, toBlock], in chain order.
func (f *Fetcher) FetchTransferTxHashes(ctx context.Context, contracts []string, fromBlock, toBlock int64) ([]string, error) {
	addresses := make([]common.Address, len(contracts))
	for i, addr := range contracts {
		addresses[i] = common.HexToAddress(addr)
	}

	ranges := SplitBlockRange(fromBlock, toBlock, f.config.LogsRangeSize)
	results := make([][]types.Log, len(ranges))

	g, gCtx := errgroup.WithContext(ctx)
	if f.config.FetchConcurrency > 0 {
		g.SetLimit(f.config.FetchConcurrency)
	}

	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			query := TransferFilterQuery(big.NewInt(r.From), big.NewInt(r.To), addresses)
			logs, err := f.client.GetLogs(gCtx, query)
			if err != nil {
				return fmt.Errorf("failed to fetch logs for blocks %d-%d: %w", r.From, r.To, err)
			}
			results[i] = logs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var logs []types.Log
	for _, batch := range results {
		logs = append(logs, batch...)
	}

	hashes := UniqueTxHashes(logs)

	f.logger.Debug("Scanned block range for transfers",
		zap.Int64("from_block", fromBlock),
		zap.Int64("to_block", toBlock),
		zap.Int("log_count", len(logs)),
		zap.Int("tx_count", len(hashes)),
	)

	return hashes, nil
}

// UniqueTxHashes returns the distinct transaction hashes of logs ordered by
// block number and transaction index.
func UniqueTxHashes(logs []types.Log) []string {
	sorted := make([]types.Log, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].TxIndex < sorted[j].TxIndex
	})

	seen := make(map[common.Hash]struct{}, len(sorted))
	hashes := make([]string, 0, len(sorted))
	for _, l := range sorted {
		if _, ok := seen[l.TxHash]; ok {
			continue
		}
		seen[l.TxHash] = struct{}{}
		hashes = append(hashes, l.TxHash.Hex())
	}
	return hashes
}

// BlockRange represents a range of blocks to fetch
type BlockRange struct {
	From int64
	To   int64
}

// SplitBlockRange splits a range into batches
func SplitBlockRange(fromBlock, toBlock int64, batchSize int) []BlockRange {
	if fromBlock > toBlock || batchSize <= 0 {
		return nil
	}

	var ranges []BlockRange
	for current := fromBlock; current <= toBlock; current += int64(batchSize) {
		end := current + int64(batchSize) - 1
		if end > toBlock {
			end = toBlock
		}
		ranges = append(ranges, BlockRange{From: current, To: end})
	}

	return ranges
}
