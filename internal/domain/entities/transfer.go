package entities

import (
	"math/big"
)

// DecodedTransfer is the result of running a log parser over a single raw log.
// Done is false when the parser declined the log; all other fields are then zero.
type DecodedTransfer struct {
	Done        bool
	TxHash      string
	TxIndex     uint
	LogIndex    uint
	BlockNumber uint64
	BlockHash   string
	Address     string // emitting contract
	From        string
	To          string
	Value       string // base-10, arbitrary precision
}

// TokenTransfer represents a persisted Transfer event
type TokenTransfer struct {
	TxHash      string   `db:"hash" json:"tx_hash"`
	From        string   `db:"from" json:"from"`
	To          string   `db:"to" json:"to"`
	Value       *big.Int `db:"-" json:"-"`
	ValueString string   `db:"value" json:"value"` // NUMERIC(78,0)
	Address     string   `db:"address" json:"address"`
	BlockNumber int64    `db:"block" json:"block_number"`
	BlockHash   string   `db:"block_hash" json:"block_hash"`
	TxIndex     int      `db:"tx_index" json:"tx_index"`
	LogIndex    int      `db:"log_index" json:"log_index"`
}

// NewTokenTransfer maps a successfully decoded transfer into its persisted shape
func NewTokenTransfer(d DecodedTransfer) TokenTransfer {
	value, ok := new(big.Int).SetString(d.Value, 10)
	if !ok {
		value = nil
	}

	return TokenTransfer{
		TxHash:      d.TxHash,
		From:        d.From,
		To:          d.To,
		Value:       value,
		ValueString: d.Value,
		Address:     d.Address,
		BlockNumber: int64(d.BlockNumber),
		BlockHash:   d.BlockHash,
		TxIndex:     int(d.TxIndex),
		LogIndex:    int(d.LogIndex),
	}
}
