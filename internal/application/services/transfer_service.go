package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bimakw/nft-indexer/internal/domain/repositories"
)

// ResponseCache stores serialized query responses
type ResponseCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
}

// TransferService provides business logic for transfer queries
type TransferService struct {
	transferRepo repositories.TokenTransferRepository
	cache        ResponseCache
	logger       *zap.Logger
}

// NewTransferService creates a new transfer service. cache may be nil.
func NewTransferService(
	transferRepo repositories.TokenTransferRepository,
	cache ResponseCache,
	logger *zap.Logger,
) *TransferService {
	return &TransferService{
		transferRepo: transferRepo,
		cache:        cache,
		logger:       logger,
	}
}

// TransferResponse is the API response for the transfers of a transaction
type TransferResponse struct {
	TxHash    string        `json:"tx_hash"`
	Transfers []TransferDTO `json:"transfers"`
	Count     int           `json:"count"`
}

// TransferDTO is the API representation of a token transfer
type TransferDTO struct {
	LogIndex     int    `json:"log_index"`
	TxIndex      int    `json:"tx_index"`
	BlockNumber  int64  `json:"block_number"`
	BlockHash    string `json:"block_hash"`
	TokenAddress string `json:"token_address"`
	FromAddress  string `json:"from_address"`
	ToAddress    string `json:"to_address"`
	Value        string `json:"value"`
}

// GetTransfers returns the stored transfers of a transaction ordered by log index
func (s *TransferService) GetTransfers(ctx context.Context, txHash string) (*TransferResponse, error) {
	hash, err := NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}

	cacheKey := "transfers:tx:" + hash

	if s.cache != nil {
		var cached TransferResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.logger.Debug("Cache hit", zap.String("key", cacheKey))
			return &cached, nil
		}
	}

	transfers, err := s.transferRepo.GetTransfers(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfers: %w", err)
	}

	dtos := make([]TransferDTO, len(transfers))
	for i, t := range transfers {
		dtos[i] = TransferDTO{
			LogIndex:     t.LogIndex,
			TxIndex:      t.TxIndex,
			BlockNumber:  t.BlockNumber,
			BlockHash:    t.BlockHash,
			TokenAddress: t.Address,
			FromAddress:  t.From,
			ToAddress:    t.To,
			Value:        t.ValueString,
		}
	}

	response := &TransferResponse{
		TxHash:    hash,
		Transfers: dtos,
		Count:     len(dtos),
	}

	// an empty result may still be backfilled, so only cache hits on data
	if s.cache != nil && len(dtos) > 0 {
		if err := s.cache.Set(ctx, cacheKey, response); err != nil {
			s.logger.Warn("Failed to cache response", zap.Error(err))
		}
	}

	return response, nil
}
