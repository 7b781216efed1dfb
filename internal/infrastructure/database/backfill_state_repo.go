package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/domain/repositories"
)

// Ensure BackfillStateRepo implements BackfillStateRepository
var _ repositories.BackfillStateRepository = (*BackfillStateRepo)(nil)

// BackfillStateRepo implements BackfillStateRepository using PostgreSQL
type BackfillStateRepo struct {
	db *sqlx.DB
}

// NewBackfillStateRepo creates a new backfill state repository
func NewBackfillStateRepo(db *sqlx.DB) *BackfillStateRepo {
	return &BackfillStateRepo{db: db}
}

// Get retrieves the state of a seeding run
func (r *BackfillStateRepo) Get(ctx context.Context, name string) (*entities.BackfillState, error) {
	var state entities.BackfillState
	query := `
		SELECT name, cursor_block, stop_block, enqueued_count, completed, updated_at
		FROM backfill_state
		WHERE name = $1
	`

	if err := r.db.GetContext(ctx, &state, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get backfill state: %w", err)
	}

	return &state, nil
}

// Upsert records the window ending at state.CursorBlock. The enqueued count
// accumulates across windows; recording the same window again replaces its
// previous contribution.
func (r *BackfillStateRepo) Upsert(ctx context.Context, state *entities.BackfillState) error {
	query := `
		INSERT INTO backfill_state (name, cursor_block, stop_block, enqueued_count, window_count, completed)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			enqueued_count = CASE
				WHEN backfill_state.cursor_block = EXCLUDED.cursor_block
					THEN backfill_state.enqueued_count - backfill_state.window_count + EXCLUDED.window_count
				ELSE backfill_state.enqueued_count + EXCLUDED.window_count
			END,
			window_count = EXCLUDED.window_count,
			cursor_block = EXCLUDED.cursor_block,
			stop_block = EXCLUDED.stop_block,
			completed = EXCLUDED.completed,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		state.Name,
		state.CursorBlock,
		state.StopBlock,
		state.EnqueuedCount,
		state.Completed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert backfill state: %w", err)
	}

	return nil
}
