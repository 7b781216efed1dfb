package entities

// Queue names used by the backfill pipeline
const (
	TokenTransfersQueue     = "backfill-token-transfers-queue"
	TokenTransfersSeedQueue = "backfill-token-transfers-seed-queue"
)

// TokenTransfersJob is the payload of a token-transfer backfill job
type TokenTransfersJob struct {
	Hash string `json:"hash"`
}

// SeedCursor is the payload of a seeding job. Each job covers the block window
// ending at Cursor; a successor is enqueued with the cursor moved below the window
// until StopBlock is reached.
type SeedCursor struct {
	Name      string   `json:"name"`
	Cursor    int64    `json:"cursor"`
	StopBlock int64    `json:"stop_block"`
	BatchSize int64    `json:"batch_size"`
	Contracts []string `json:"contracts,omitempty"`
}

// Window returns the inclusive block range handled by this cursor
func (c SeedCursor) Window() (from, to int64) {
	from = c.Cursor - c.BatchSize + 1
	if from < c.StopBlock {
		from = c.StopBlock
	}
	return from, c.Cursor
}

// Next returns the successor cursor, or false when the window reaches StopBlock
func (c SeedCursor) Next() (SeedCursor, bool) {
	from, _ := c.Window()
	if from <= c.StopBlock {
		return SeedCursor{}, false
	}
	next := c
	next.Cursor = from - 1
	return next, true
}
