package ethereum

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
)

// TokenTransferParserName is the registry key of token transfer results
const TokenTransferParserName = "token_transfer"

// TransferEventSignature is the keccak256 hash of Transfer(address,address,uint256)
var TransferEventSignature = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// transferTopicCount is the signature plus the indexed from and to addresses.
// ERC-721 transfers index the token id as well and carry four topics.
const transferTopicCount = 3

// TokenTransferLogParser decodes fungible Transfer(address indexed, address indexed, uint256) events
type TokenTransferLogParser struct {
	dataTypes []string
	arguments abi.Arguments
}

// NewTokenTransferLogParser creates a parser for fungible token transfers
func NewTokenTransferLogParser() *TokenTransferLogParser {
	dataTypes := []string{"uint256"}
	arguments, err := newArguments(dataTypes)
	if err != nil {
		// uint256 is always a valid type
		panic(err)
	}

	return &TokenTransferLogParser{
		dataTypes: dataTypes,
		arguments: arguments,
	}
}

// Name returns the registry key of this parser
func (p *TokenTransferLogParser) Name() string {
	return TokenTransferParserName
}

// TargetTopic returns the event signature this parser handles
func (p *TokenTransferLogParser) TargetTopic() common.Hash {
	return TransferEventSignature
}

// Decode decodes a Transfer log, declining anything that is not one
func (p *TokenTransferLogParser) Decode(log types.Log) entities.DecodedTransfer {
	if len(log.Topics) != transferTopicCount || log.Topics[0] != TransferEventSignature {
		return entities.DecodedTransfer{Done: false}
	}

	values, err := p.arguments.Unpack(log.Data)
	if err != nil || len(values) != len(p.dataTypes) {
		return entities.DecodedTransfer{Done: false}
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return entities.DecodedTransfer{Done: false}
	}

	// Topics[1] and Topics[2] are the addresses left-padded to 32 bytes
	from := common.BytesToAddress(log.Topics[1].Bytes())
	to := common.BytesToAddress(log.Topics[2].Bytes())

	return entities.DecodedTransfer{
		Done:        true,
		TxHash:      log.TxHash.Hex(),
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		Address:     strings.ToLower(log.Address.Hex()),
		From:        strings.ToLower(from.Hex()),
		To:          strings.ToLower(to.Hex()),
		Value:       value.String(),
	}
}
