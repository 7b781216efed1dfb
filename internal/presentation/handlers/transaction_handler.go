package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bimakw/nft-indexer/internal/application/services"
)

// TransactionHandler handles HTTP requests for transaction transfers
type TransactionHandler struct {
	service *services.TransferService
	logger  *zap.Logger
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(service *services.TransferService, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the transaction routes
func (h *TransactionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/transactions/{txHash}/transfers", h.GetTransfers)
}

// GetTransfers handles GET /transactions/{txHash}/transfers
func (h *TransactionHandler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	txHash := chi.URLParam(r, "txHash")

	response, err := h.service.GetTransfers(r.Context(), txHash)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTxHash) {
			respondError(w, http.StatusBadRequest, "Invalid transaction hash")
			return
		}
		h.logger.Error("Failed to get transfers",
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "Failed to get transfers")
		return
	}

	respondJSON(w, http.StatusOK, response)
}
