package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
)

// Common test addresses
const (
	USDTAddress  = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	USDCAddress  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	AliceAddress = "0x1111111111111111111111111111111111111111"
	BobAddress   = "0x2222222222222222222222222222222222222222"
	CharlieAddr  = "0x3333333333333333333333333333333333333333"
)

// Common test hashes
const (
	TxHashA   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	TxHashB   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	BlockHash = "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)")
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ApprovalTopic is keccak256("Approval(address,address,uint256)")
var ApprovalTopic = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))

// CreateTransferLog creates a raw Transfer log with default chain coordinates
func CreateTransferLog(token, from, to string, value *big.Int, opts ...LogOption) types.Log {
	l := types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 12345678,
		TxHash:      common.HexToHash(TxHashA),
		TxIndex:     7,
		BlockHash:   common.HexToHash(BlockHash),
		Index:       0,
	}

	for _, opt := range opts {
		opt(&l)
	}

	return l
}

type LogOption func(*types.Log)

func WithLogIndex(idx uint) LogOption {
	return func(l *types.Log) {
		l.Index = idx
	}
}

func WithLogTxHash(hash string) LogOption {
	return func(l *types.Log) {
		l.TxHash = common.HexToHash(hash)
	}
}

func WithLogBlock(number uint64) LogOption {
	return func(l *types.Log) {
		l.BlockNumber = number
	}
}

func WithLogTxIndex(idx uint) LogOption {
	return func(l *types.Log) {
		l.TxIndex = idx
	}
}

func WithTopics(topics ...common.Hash) LogOption {
	return func(l *types.Log) {
		l.Topics = topics
	}
}

func WithData(data []byte) LogOption {
	return func(l *types.Log) {
		l.Data = data
	}
}

// CreateTestTokenTransfer creates a test token transfer with default values
func CreateTestTokenTransfer(opts ...TransferOption) entities.TokenTransfer {
	t := entities.TokenTransfer{
		TxHash:      TxHashA,
		From:        AliceAddress,
		To:          BobAddress,
		Value:       big.NewInt(1000000), // 1 USDT
		ValueString: "1000000",
		Address:     USDTAddress,
		BlockNumber: 12345678,
		BlockHash:   BlockHash,
		TxIndex:     7,
		LogIndex:    0,
	}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

type TransferOption func(*entities.TokenTransfer)

func WithTxHash(hash string) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.TxHash = hash
	}
}

func WithTransferLogIndex(idx int) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.LogIndex = idx
	}
}

func WithBlockNumber(num int64) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.BlockNumber = num
	}
}

func WithTokenAddress(addr string) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.Address = addr
	}
}

func WithFromAddress(addr string) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.From = addr
	}
}

func WithToAddress(addr string) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.To = addr
	}
}

func WithValue(value *big.Int) TransferOption {
	return func(t *entities.TokenTransfer) {
		t.Value = value
		t.ValueString = value.String()
	}
}
