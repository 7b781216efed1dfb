package ethereum

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
)

// LogParser decodes one kind of event out of raw transaction logs.
// Decode never fails: a log the parser does not handle, or cannot decode,
// yields a DecodedTransfer with Done set to false.
type LogParser interface {
	Name() string
	TargetTopic() common.Hash
	Decode(log types.Log) entities.DecodedTransfer
}

// DecodeLogs runs a parser over every log, keeping one result per log in input order
func DecodeLogs(parser LogParser, logs []types.Log) []entities.DecodedTransfer {
	decoded := make([]entities.DecodedTransfer, 0, len(logs))
	for _, log := range logs {
		decoded = append(decoded, parser.Decode(log))
	}
	return decoded
}

// newArguments builds the ABI argument list for the non-indexed event fields
func newArguments(dataTypes []string) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(dataTypes))
	for _, t := range dataTypes {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("invalid abi type %q: %w", t, err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args, nil
}
