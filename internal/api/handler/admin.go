package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/api/response"
	"github.com/kiranshivaraju/audioqueue/internal/dispatch"
	"github.com/kiranshivaraju/audioqueue/internal/jobs"
	"github.com/kiranshivaraju/audioqueue/internal/retry"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// Retrier defines the retry operations exposed to operators.
type Retrier interface {
	RetryOne(ctx context.Context, id uuid.UUID) (*models.Job, error)
	RetryFailed(ctx context.Context, maxAge time.Duration) (retry.Result, error)
}

// QueueReporter reports per-queue job counts.
type QueueReporter interface {
	QueueStats(ctx context.Context) ([]jobs.QueueStats, error)
}

// NewRetryHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
func NewRetryHandler(rt Retrier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := rt.RetryOne(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, retry.ErrNotRetryable):
				response.Error(w, http.StatusConflict, "NOT_RETRYABLE", "Only failed jobs can be retried", nil)
			case errors.Is(err, retry.ErrRetryBudgetExhausted):
				response.Error(w, http.StatusConflict, "RETRY_BUDGET_EXHAUSTED",
					"Job has no retries left", nil)
			case errors.Is(err, dispatch.ErrDispatchFailed):
				response.Busy(w, "DISPATCH_FAILED", "Job reset to pending but not queued, resubmit it", "5",
					map[string]string{"job_id": id.String()})
			default:
				jobError(w, id, err)
			}
			return
		}
		response.Accepted(w, job)
	}
}

type retryFailedRequest struct {
	MaxAgeHours int `json:"max_age_hours" validate:"omitempty,min=1,max=720"`
}

// NewRetryFailedHandler returns an http.HandlerFunc for
// POST /api/v1/admin/retry-failed. An empty body uses defaultMaxAge.
func NewRetryFailedHandler(rt Retrier, v *validator.Validate, defaultMaxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retryFailedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := v.Struct(&req); err != nil {
			response.ValidationError(w, err)
			return
		}

		maxAge := defaultMaxAge
		if req.MaxAgeHours > 0 {
			maxAge = time.Duration(req.MaxAgeHours) * time.Hour
		}

		res, err := rt.RetryFailed(r.Context(), maxAge)
		body := map[string]any{
			"attempted": res.Attempted,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
		}
		if err != nil {
			slog.Error("retry-failed incomplete", "error", err)
			response.Error(w, http.StatusInternalServerError, "RETRY_INCOMPLETE",
				"Some job kinds could not be scanned", body)
			return
		}
		response.JSON(w, body)
	}
}

// NewQueueStatsHandler returns an http.HandlerFunc for GET /api/v1/admin/queues.
func NewQueueStatsHandler(q QueueReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.QueueStats(r.Context())
		if err != nil {
			slog.Error("queue stats failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, stats)
	}
}
