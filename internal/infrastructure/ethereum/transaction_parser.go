package ethereum

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
)

// ParsedTransaction groups the decoded logs of one transaction by parser name.
// Every parser contributes one entry per log, declined entries included.
type ParsedTransaction map[string][]entities.DecodedTransfer

// Successful returns the entries of the named parser that decoded successfully
func (p ParsedTransaction) Successful(name string) []entities.DecodedTransfer {
	results := make([]entities.DecodedTransfer, 0, len(p[name]))
	for _, d := range p[name] {
		if d.Done {
			results = append(results, d)
		}
	}
	return results
}

// TransactionParser runs a fixed set of log parsers over transaction logs
type TransactionParser struct {
	parsers []LogParser
}

// NewTransactionParser creates a transaction parser. Without arguments the
// token transfer parser is registered.
func NewTransactionParser(parsers ...LogParser) *TransactionParser {
	if len(parsers) == 0 {
		parsers = []LogParser{NewTokenTransferLogParser()}
	}

	registry := make([]LogParser, len(parsers))
	copy(registry, parsers)

	return &TransactionParser{parsers: registry}
}

// Parsers returns the names of the registered parsers
func (t *TransactionParser) Parsers() []string {
	names := make([]string, len(t.parsers))
	for i, p := range t.parsers {
		names[i] = p.Name()
	}
	return names
}

// DecodeTransactionLogs decodes every log of a single transaction with every parser
func (t *TransactionParser) DecodeTransactionLogs(logs []types.Log) ParsedTransaction {
	parsed := make(ParsedTransaction, len(t.parsers))
	for _, p := range t.parsers {
		parsed[p.Name()] = DecodeLogs(p, logs)
	}
	return parsed
}

// DecodeTransactionsLogs decodes a batch of transactions independently
func (t *TransactionParser) DecodeTransactionsLogs(txLogs [][]types.Log) []ParsedTransaction {
	results := make([]ParsedTransaction, len(txLogs))
	for i, logs := range txLogs {
		results[i] = t.DecodeTransactionLogs(logs)
	}
	return results
}
