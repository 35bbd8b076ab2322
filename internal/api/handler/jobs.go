package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/api/response"
	"github.com/kiranshivaraju/audioqueue/internal/dispatch"
	"github.com/kiranshivaraju/audioqueue/internal/jobs"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// JobService defines the submission path the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error)
	Resubmit(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type submitRequest struct {
	Kind     string         `json:"kind"      validate:"required,oneof=voice_cloning translation speaker_diarization speaker_extraction denoising spectral_denoising"`
	InputRef string         `json:"input_ref" validate:"required,max=2048"`
	Params   models.Payload `json:"params"`
	Priority int            `json:"priority"  validate:"min=0,max=9"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc JobService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := v.Struct(&req); err != nil {
			response.ValidationError(w, err)
			return
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			Kind:     models.JobKind(req.Kind),
			InputRef: req.InputRef,
			Params:   req.Params,
			Priority: req.Priority,
		})
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrQueueFull):
				response.Busy(w, "QUEUE_FULL", "Queue is at capacity, try again later", "30", nil)
			case errors.Is(err, dispatch.ErrDispatchFailed) && job != nil:
				response.Busy(w, "DISPATCH_FAILED", "Job recorded but not queued, resubmit it", "5",
					map[string]string{"job_id": job.ID.String()})
			case errors.Is(err, jobs.ErrInvalidKind), errors.Is(err, jobs.ErrInvalidInput):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			default:
				slog.Error("submit failed", "kind", req.Kind, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			jobError(w, id, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		status, err := svc.Status(r.Context(), id)
		if err != nil {
			jobError(w, id, err)
			return
		}
		response.JSON(w, map[string]any{"id": id, "status": status})
	}
}

// NewResubmitHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/resubmit.
func NewResubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Resubmit(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrNotResubmittable):
				response.Error(w, http.StatusConflict, "NOT_RESUBMITTABLE",
					"Only pending jobs without a live task can be resubmitted", nil)
			case errors.Is(err, dispatch.ErrDispatchFailed):
				response.Busy(w, "DISPATCH_FAILED", "Broker unavailable, try again later", "5", nil)
			default:
				jobError(w, id, err)
			}
			return
		}
		response.Accepted(w, job)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func jobError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return
	}
	slog.Error("job request failed", "job_id", id, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
