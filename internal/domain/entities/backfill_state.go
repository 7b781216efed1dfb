package entities

import (
	"time"
)

// BackfillState tracks how far a seeding run has walked back through history
type BackfillState struct {
	Name          string    `db:"name" json:"name"`
	CursorBlock   int64     `db:"cursor_block" json:"cursor_block"`
	StopBlock     int64     `db:"stop_block" json:"stop_block"`
	EnqueuedCount int64     `db:"enqueued_count" json:"enqueued_count"`
	Completed     bool      `db:"completed" json:"completed"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
