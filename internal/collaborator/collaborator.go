// Package collaborator is the boundary to the external inference routines that
// do the actual audio processing for each job kind.
package collaborator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

var (
	// ErrValidation means the collaborator rejected the input. Never retried.
	ErrValidation      = errors.New("invalid job input")
	ErrUnavailable     = errors.New("inference service unavailable")
	ErrTimeout         = errors.New("inference timeout")
	ErrInvalidResponse = errors.New("inference service returned invalid response")
)

// Request is one processing call.
type Request struct {
	JobID    uuid.UUID
	Kind     models.JobKind
	InputRef string
	Params   models.Payload
	// ScratchDir is a private directory removed once the call returns.
	ScratchDir string
}

// Result is what a successful call produced.
type Result struct {
	OutputRef string
	Stats     models.Payload
}

// Collaborator processes a single job kind.
type Collaborator interface {
	Process(ctx context.Context, req Request) (Result, error)
}

// Set maps each kind to the collaborator that serves it. It is built once at
// process start and passed to the worker.
type Set map[models.JobKind]Collaborator

// For returns the collaborator registered for kind.
func (s Set) For(kind models.JobKind) (Collaborator, error) {
	c, ok := s[kind]
	if !ok || c == nil {
		return nil, fmt.Errorf("no collaborator for job kind %q", kind)
	}
	return c, nil
}

// ErrorCode classifies a processing error for job.error_code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return models.ErrorCodeValidation
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorCodeTimeout
	default:
		return models.ErrorCodeProcessing
	}
}
