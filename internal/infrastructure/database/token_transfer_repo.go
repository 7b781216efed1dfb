package database

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmoiron/sqlx"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/domain/repositories"
)

// Ensure TokenTransferRepo implements TokenTransferRepository
var _ repositories.TokenTransferRepository = (*TokenTransferRepo)(nil)

const (
	transferColumnCount = 9

	// PostgreSQL accepts at most 65535 bind parameters per statement
	maxBindParams = 65535
)

// insertChunkSize is the number of rows written per INSERT statement
var insertChunkSize = maxBindParams / transferColumnCount

// TokenTransferRepo implements TokenTransferRepository using PostgreSQL
type TokenTransferRepo struct {
	db *sqlx.DB
}

// NewTokenTransferRepo creates a new token transfer repository
func NewTokenTransferRepo(db *sqlx.DB) *TokenTransferRepo {
	return &TokenTransferRepo{db: db}
}

// transferRow is the storage shape of a transfer: hashes and addresses as raw bytes
type transferRow struct {
	Hash      []byte `db:"hash"`
	From      []byte `db:"from"`
	To        []byte `db:"to"`
	Value     string `db:"value"`
	Address   []byte `db:"address"`
	Block     int64  `db:"block"`
	BlockHash []byte `db:"block_hash"`
	TxIndex   int    `db:"tx_index"`
	LogIndex  int    `db:"log_index"`
}

func toTransferRow(t entities.TokenTransfer) (transferRow, error) {
	var row transferRow
	var err error

	if row.Hash, err = decodeHex("hash", t.TxHash); err != nil {
		return row, err
	}
	if row.From, err = decodeHex("from", t.From); err != nil {
		return row, err
	}
	if row.To, err = decodeHex("to", t.To); err != nil {
		return row, err
	}
	if row.Address, err = decodeHex("address", t.Address); err != nil {
		return row, err
	}
	if row.BlockHash, err = decodeHex("block_hash", t.BlockHash); err != nil {
		return row, err
	}

	value := t.Value
	if value == nil {
		v, ok := new(big.Int).SetString(t.ValueString, 10)
		if !ok {
			return row, fmt.Errorf("invalid value %q", t.ValueString)
		}
		value = v
	}
	row.Value = value.String()
	row.Block = t.BlockNumber
	row.TxIndex = t.TxIndex
	row.LogIndex = t.LogIndex

	return row, nil
}

func (row transferRow) toEntity() entities.TokenTransfer {
	value, ok := new(big.Int).SetString(row.Value, 10)
	if !ok {
		value = nil
	}

	return entities.TokenTransfer{
		TxHash:      hexutil.Encode(row.Hash),
		From:        hexutil.Encode(row.From),
		To:          hexutil.Encode(row.To),
		Value:       value,
		ValueString: row.Value,
		Address:     hexutil.Encode(row.Address),
		BlockNumber: row.Block,
		BlockHash:   hexutil.Encode(row.BlockHash),
		TxIndex:     row.TxIndex,
		LogIndex:    row.LogIndex,
	}
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hexutil.Decode(strings.ToLower(s))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return b, nil
}

// buildInsertQuery builds one multi-row INSERT that skips rows already stored
func buildInsertQuery(rows []transferRow) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*transferColumnCount)

	sb.WriteString(`INSERT INTO token_transfers (hash, "from", "to", "value", address, block, block_hash, tx_index, log_index) VALUES `)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * transferColumnCount
		sb.WriteString("(")
		for c := 1; c <= transferColumnCount; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")

		args = append(args,
			row.Hash,
			row.From,
			row.To,
			row.Value,
			row.Address,
			row.Block,
			row.BlockHash,
			row.TxIndex,
			row.LogIndex,
		)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	return sb.String(), args
}

// SaveTransfers inserts transfers in a single transaction. A failing row rolls
// back the whole batch and the error is returned to the caller.
func (r *TokenTransferRepo) SaveTransfers(ctx context.Context, transfers []entities.TokenTransfer) error {
	if len(transfers) == 0 {
		return nil
	}

	rows := make([]transferRow, len(transfers))
	for i, t := range transfers {
		row, err := toTransferRow(t)
		if err != nil {
			return fmt.Errorf("invalid transfer %s log %d: %w", t.TxHash, t.LogIndex, err)
		}
		rows[i] = row
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		query, args := buildInsertQuery(rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert token transfers: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTransfers returns all transfers of a transaction ordered by log index
func (r *TokenTransferRepo) GetTransfers(ctx context.Context, txHash string) ([]entities.TokenTransfer, error) {
	hash, err := decodeHex("hash", txHash)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT hash, "from", "to", "value"::TEXT AS value, address, block,
			   block_hash, tx_index, log_index
		FROM token_transfers
		WHERE hash = $1
		ORDER BY log_index ASC
	`

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, hash); err != nil {
		return nil, fmt.Errorf("failed to get token transfers: %w", err)
	}

	transfers := make([]entities.TokenTransfer, len(rows))
	for i, row := range rows {
		transfers[i] = row.toEntity()
	}

	return transfers, nil
}

// CountTransfers returns the number of stored transfers of a transaction
func (r *TokenTransferRepo) CountTransfers(ctx context.Context, txHash string) (int64, error) {
	hash, err := decodeHex("hash", txHash)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM token_transfers WHERE hash = $1`, hash); err != nil {
		return 0, fmt.Errorf("failed to count token transfers: %w", err)
	}

	return count, nil
}
