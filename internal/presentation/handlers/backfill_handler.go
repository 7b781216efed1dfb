package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bimakw/nft-indexer/internal/application/services"
	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
)

const (
	maxBodyBytes     = 1 << 20
	maxHashesPerCall = 1000
)

// BackfillAdmin is the backfill control surface used by the admin API
type BackfillAdmin interface {
	EnqueueTransactions(ctx context.Context, txHashes []string) ([]string, error)
	StartSeed(ctx context.Context, name string, fromBlock, toBlock, batchSize int64) (string, error)
	SeedState(ctx context.Context, name string) (*entities.BackfillState, error)
	FailedJobs(ctx context.Context, queueName string, limit int64) ([]*queue.Job, error)
	RetryFailed(ctx context.Context, queueName, id string) error
	Stats(ctx context.Context) ([]services.QueueStats, error)
}

// BackfillHandler handles admin requests that drive the backfill queues
type BackfillHandler struct {
	service BackfillAdmin
	logger  *zap.Logger
}

// NewBackfillHandler creates a new backfill handler
func NewBackfillHandler(service BackfillAdmin, logger *zap.Logger) *BackfillHandler {
	return &BackfillHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the backfill admin routes
func (h *BackfillHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/backfill", func(r chi.Router) {
		r.Post("/token-transfers", h.EnqueueTransactions)
		r.Post("/seed", h.StartSeed)
		r.Get("/seed/{name}", h.GetSeed)
		r.Get("/failed", h.ListFailed)
		r.Post("/failed/{jobID}/retry", h.RetryFailed)
		r.Get("/stats", h.Stats)
	})
}

// EnqueueRequest is the body of POST /admin/backfill/token-transfers
type EnqueueRequest struct {
	Hashes []string `json:"hashes"`
}

// EnqueueResponse lists the created job ids in request order
type EnqueueResponse struct {
	JobIDs []string `json:"job_ids"`
}

// EnqueueTransactions handles POST /admin/backfill/token-transfers
func (h *BackfillHandler) EnqueueTransactions(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Hashes) == 0 {
		respondError(w, http.StatusBadRequest, "No transaction hashes given")
		return
	}
	if len(req.Hashes) > maxHashesPerCall {
		respondError(w, http.StatusBadRequest, "Too many transaction hashes")
		return
	}

	ids, err := h.service.EnqueueTransactions(r.Context(), req.Hashes)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTxHash) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to enqueue transactions", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to enqueue transactions")
		return
	}

	respondJSON(w, http.StatusAccepted, EnqueueResponse{JobIDs: ids})
}

// SeedRequest is the body of POST /admin/backfill/seed
type SeedRequest struct {
	Name      string `json:"name"`
	FromBlock int64  `json:"from_block"`
	ToBlock   int64  `json:"to_block"`
	BatchSize int64  `json:"batch_size"`
}

// StartSeed handles POST /admin/backfill/seed
func (h *BackfillHandler) StartSeed(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.service.StartSeed(r.Context(), req.Name, req.FromBlock, req.ToBlock, req.BatchSize)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSeedRange) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to start seed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to start seed")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// GetSeed handles GET /admin/backfill/seed/{name}
func (h *BackfillHandler) GetSeed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	state, err := h.service.SeedState(r.Context(), name)
	if err != nil {
		h.logger.Error("Failed to get seed state", zap.String("seed", name), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get seed state")
		return
	}
	if state == nil {
		respondError(w, http.StatusNotFound, "Seed not found")
		return
	}

	respondJSON(w, http.StatusOK, state)
}

// ListFailed handles GET /admin/backfill/failed
func (h *BackfillHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.ParseInt(v, 10, 64); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	queueName := r.URL.Query().Get("queue")

	jobs, err := h.service.FailedJobs(r.Context(), queueName, limit)
	if err != nil {
		if errors.Is(err, services.ErrUnknownQueue) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to list failed jobs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list failed jobs")
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// RetryFailed handles POST /admin/backfill/failed/{jobID}/retry
func (h *BackfillHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	queueName := r.URL.Query().Get("queue")

	err := h.service.RetryFailed(r.Context(), queueName, jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "Failed job not found")
	case errors.Is(err, services.ErrUnknownQueue):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Failed to retry job", zap.String("job_id", jobID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to retry job")
	}
}

// Stats handles GET /admin/backfill/stats
func (h *BackfillHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": stats})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
