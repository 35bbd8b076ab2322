package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/audioqueue/internal/collaborator"
	"github.com/kiranshivaraju/audioqueue/internal/collaborator/mock"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSucceeding(t *testing.T) {
	c := mock.NewSucceeding("s3://out/a.wav", models.Payload{"snr": 3})
	res, err := c.Process(context.Background(), collaborator.Request{})
	require.NoError(t, err)
	assert.Equal(t, "s3://out/a.wav", res.OutputRef)
	assert.Equal(t, 1, c.Calls())
}

func TestNewFailing(t *testing.T) {
	want := errors.New("boom")
	_, err := mock.NewFailing(want).Process(context.Background(), collaborator.Request{})
	assert.ErrorIs(t, err, want)
}

func TestNewBlocking_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := mock.NewBlocking().Process(ctx, collaborator.Request{})
	assert.ErrorIs(t, err, collaborator.ErrTimeout)
}

func TestNewSet_CoversAllKinds(t *testing.T) {
	set := mock.NewSet(&mock.Collaborator{})
	for _, kind := range models.AllKinds {
		_, err := set.For(kind)
		assert.NoError(t, err)
	}
}
