package collaborator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/collaborator"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denoiseRequest() collaborator.Request {
	return collaborator.Request{
		JobID:    uuid.New(),
		Kind:     models.KindDenoising,
		InputRef: "s3://in/a.wav",
		Params:   models.Payload{"strength": 0.5},
	}
}

func TestProcess_Success(t *testing.T) {
	req := denoiseRequest()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, req.JobID.String(), body["job_id"])
		assert.Equal(t, "denoising", body["kind"])
		assert.Equal(t, "s3://in/a.wav", body["input_ref"])
		assert.Equal(t, map[string]any{"strength": 0.5}, body["params"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output_ref":"s3://out/a.wav","stats":{"noise_reduction_db":12.4}}`))
	}))
	defer ts.Close()

	c := collaborator.NewHTTPCollaborator(ts.URL, 5*time.Second)
	res, err := c.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "s3://out/a.wav", res.OutputRef)
	assert.Equal(t, 12.4, res.Stats["noise_reduction_db"])
}

func TestProcess_NilParamsSentAsObject(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{}, body["params"])
		_, _ = w.Write([]byte(`{"output_ref":"s3://out/a.wav"}`))
	}))
	defer ts.Close()

	req := denoiseRequest()
	req.Params = nil
	res, err := collaborator.NewHTTPCollaborator(ts.URL, time.Second).Process(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, res.Stats)
}

func TestProcess_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantMsg string
	}{
		{"bad request", http.StatusBadRequest, `{"error":"unsupported sample rate"}`, collaborator.ErrValidation, "unsupported sample rate"},
		{"unprocessable", http.StatusUnprocessableEntity, `clip too long`, collaborator.ErrValidation, "clip too long"},
		{"gateway timeout", http.StatusGatewayTimeout, ``, collaborator.ErrTimeout, "status 504"},
		{"server error", http.StatusInternalServerError, `{"error":"CUDA out of memory"}`, collaborator.ErrUnavailable, "CUDA out of memory"},
		{"unavailable", http.StatusServiceUnavailable, ``, collaborator.ErrUnavailable, "status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := collaborator.NewHTTPCollaborator(ts.URL, time.Second).Process(context.Background(), denoiseRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestProcess_InvalidResponse(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       `<html>`,
		"missing output": `{"stats":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer ts.Close()

			_, err := collaborator.NewHTTPCollaborator(ts.URL, time.Second).Process(context.Background(), denoiseRequest())
			assert.ErrorIs(t, err, collaborator.ErrInvalidResponse)
		})
	}
}

func TestProcess_ConnectionRefused(t *testing.T) {
	c := collaborator.NewHTTPCollaborator("http://127.0.0.1:1", time.Second)
	_, err := c.Process(context.Background(), denoiseRequest())
	assert.ErrorIs(t, err, collaborator.ErrUnavailable)
}

func TestProcess_ContextTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := collaborator.NewHTTPCollaborator(ts.URL, 5*time.Second).Process(ctx, denoiseRequest())
	assert.ErrorIs(t, err, collaborator.ErrTimeout)
}

func TestNewSet_UsesBaseAndOverrides(t *testing.T) {
	set, err := collaborator.NewSet(config.InferenceConfig{
		BaseURL:   "http://inference:9000/",
		Timeout:   time.Minute,
		Endpoints: map[models.JobKind]string{models.KindDenoising: "http://denoiser:9100/run"},
	})
	require.NoError(t, err)
	assert.Len(t, set, len(models.AllKinds))

	for _, kind := range models.AllKinds {
		c, err := set.For(kind)
		require.NoError(t, err)
		assert.NotNil(t, c)
	}
}

func TestNewSet_MissingEndpoint(t *testing.T) {
	_, err := collaborator.NewSet(config.InferenceConfig{
		Endpoints: map[models.JobKind]string{models.KindDenoising: "http://denoiser:9100/run"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INFERENCE_")
}

func TestSetFor_UnknownKind(t *testing.T) {
	_, err := collaborator.Set{}.For(models.KindTranslation)
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, models.ErrorCodeValidation, collaborator.ErrorCode(collaborator.ErrValidation))
	assert.Equal(t, models.ErrorCodeTimeout, collaborator.ErrorCode(collaborator.ErrTimeout))
	assert.Equal(t, models.ErrorCodeTimeout, collaborator.ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, models.ErrorCodeProcessing, collaborator.ErrorCode(collaborator.ErrUnavailable))
	assert.Equal(t, models.ErrorCodeProcessing, collaborator.ErrorCode(errors.New("boom")))
}
