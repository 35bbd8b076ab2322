package storage_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref        string
		bucket     string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{"s3://out/a.wav", "", "out", "a.wav", false},
		{"s3://out/jobs/1/a.wav", "default", "out", "jobs/1/a.wav", false},
		{"jobs/1/a.wav", "default", "default", "jobs/1/a.wav", false},
		{"/jobs/1/a.wav", "default", "default", "jobs/1/a.wav", false},
		{"jobs/1/a.wav", "", "", "", true},
		{"s3://out", "", "", "", true},
		{"s3:///a.wav", "", "", "", true},
		{"https://cdn/a.wav", "default", "", "", true},
		{"  ", "default", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			bucket, key, err := storage.ParseRef(tt.ref, tt.bucket)
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestDelete_SendsDeleteObject(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod, gotPath = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	s, err := storage.NewS3Storage(context.Background(), config.StorageConfig{
		Bucket:          "audio",
		Region:          "us-east-1",
		Endpoint:        ts.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), "s3://out/jobs/1/a.wav"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/out/jobs/1/a.wav", gotPath)
}

func TestDelete_InvalidRefSkipsRequest(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	s, err := storage.NewS3Storage(context.Background(), config.StorageConfig{
		Region:          "us-east-1",
		Endpoint:        ts.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	err = s.Delete(context.Background(), "jobs/1/a.wav")
	assert.ErrorIs(t, err, storage.ErrInvalidRef)
	assert.False(t, called)
}
