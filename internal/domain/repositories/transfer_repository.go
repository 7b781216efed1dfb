package repositories

import (
	"context"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
)

// TokenTransferRepository defines the interface for token transfer data operations
type TokenTransferRepository interface {
	// SaveTransfers inserts transfers in one atomic batch, skipping rows that
	// already exist. Either every row is stored or none is.
	SaveTransfers(ctx context.Context, transfers []entities.TokenTransfer) error

	// GetTransfers returns all transfers of a transaction ordered by log index
	GetTransfers(ctx context.Context, txHash string) ([]entities.TokenTransfer, error)

	// CountTransfers returns the number of stored transfers of a transaction
	CountTransfers(ctx context.Context, txHash string) (int64, error)
}
