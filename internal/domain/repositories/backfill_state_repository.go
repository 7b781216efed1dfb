package repositories

import (
	"context"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
)

// BackfillStateRepository defines the interface for seeding progress operations
type BackfillStateRepository interface {
	// Get retrieves the state of a seeding run, nil if it never ran
	Get(ctx context.Context, name string) (*entities.BackfillState, error)

	// Upsert creates or updates the state of a seeding run
	Upsert(ctx context.Context, state *entities.BackfillState) error
}
