package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// HTTPCollaborator calls an inference service that accepts a JSON job
// description and answers with the output location and stats.
type HTTPCollaborator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPCollaborator creates a collaborator posting to endpoint.
func NewHTTPCollaborator(endpoint string, timeout time.Duration) *HTTPCollaborator {
	return &HTTPCollaborator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	JobID    uuid.UUID      `json:"job_id"`
	Kind     models.JobKind `json:"kind"`
	InputRef string         `json:"input_ref"`
	Params   models.Payload `json:"params"`
}

type processResponse struct {
	OutputRef string         `json:"output_ref"`
	Stats     models.Payload `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPCollaborator) Process(ctx context.Context, req Request) (Result, error) {
	params := req.Params
	if params == nil {
		params = models.Payload{}
	}
	body, err := json.Marshal(processRequest{JobID: req.JobID, Kind: req.Kind, InputRef: req.InputRef, Params: params})
	if err != nil {
		return Result{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Result{}, fmt.Errorf("%w: %s", ErrValidation, errorMessage(resp.Body, resp.StatusCode))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return Result{}, fmt.Errorf("%w: %s", ErrTimeout, errorMessage(resp.Body, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, errorMessage(resp.Body, resp.StatusCode))
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err)
	}
	if out.OutputRef == "" {
		return Result{}, fmt.Errorf("%w: missing output_ref", ErrInvalidResponse)
	}
	if out.Stats == nil {
		out.Stats = models.Payload{}
	}
	return Result{OutputRef: out.OutputRef, Stats: out.Stats}, nil
}

func errorMessage(body io.Reader, status int) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return fmt.Sprintf("status %d: %s", status, msg)
	}
	return fmt.Sprintf("status %d", status)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// NewSet builds one HTTP collaborator per job kind. A kind uses its explicit
// endpoint when configured, otherwise <base>/v1/process/<kind>.
func NewSet(cfg config.InferenceConfig) (Set, error) {
	set := make(Set, len(models.AllKinds))
	base := strings.TrimRight(cfg.BaseURL, "/")
	for _, kind := range models.AllKinds {
		endpoint := cfg.Endpoints[kind]
		if endpoint == "" {
			if base == "" {
				return nil, fmt.Errorf("no inference endpoint for %s: set INFERENCE_BASE_URL or INFERENCE_%s_URL",
					kind, strings.ToUpper(string(kind)))
			}
			endpoint = base + "/v1/process/" + string(kind)
		}
		set[kind] = NewHTTPCollaborator(endpoint, cfg.Timeout)
	}
	return set, nil
}

// Compile-time check that HTTPCollaborator implements Collaborator.
var _ Collaborator = (*HTTPCollaborator)(nil)
