package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/audioqueue/internal/queue"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts map[string]int
	err    error
}

func (f *fakeCounter) CountActive(_ context.Context, q string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[q], nil
}

func TestRoute_AllKinds(t *testing.T) {
	r := queue.NewRouter(&fakeCounter{}, nil, 10)

	want := map[models.JobKind]string{
		models.KindVoiceCloning:       models.QueueVoice,
		models.KindTranslation:        models.QueueTranslation,
		models.KindSpeakerDiarization: models.QueueSpeaker,
		models.KindSpeakerExtraction:  models.QueueSpeaker,
		models.KindDenoising:          models.QueueDenoiser,
		models.KindSpectralDenoising:  models.QueueSpectral,
	}
	for kind, q := range want {
		route, err := r.Route(kind)
		require.NoError(t, err)
		assert.Equal(t, q, route.Queue, kind)
		assert.NotEmpty(t, route.TaskName)

		back, ok := queue.TaskKind(route.TaskName)
		assert.True(t, ok)
		assert.Equal(t, kind, back)
	}
}

func TestRoute_UnknownKind(t *testing.T) {
	r := queue.NewRouter(&fakeCounter{}, nil, 10)
	_, err := r.Route("karaoke")
	assert.Error(t, err)

	_, ok := queue.TaskKind("audio:karaoke")
	assert.False(t, ok)
}

func TestTaskNames_Unique(t *testing.T) {
	names := queue.TaskNames()
	assert.Len(t, names, len(models.AllKinds))

	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "duplicate task name %s", n)
		seen[n] = true
	}
}

func TestLimit_FallsBackToDefault(t *testing.T) {
	r := queue.NewRouter(&fakeCounter{}, map[string]int{models.QueueVoice: 2}, 10)
	assert.Equal(t, 2, r.Limit(models.QueueVoice))
	assert.Equal(t, 10, r.Limit("unknown"))
}

func TestCanAccept_Boundary(t *testing.T) {
	tests := []struct {
		name   string
		active int
		want   bool
	}{
		{"empty", 0, true},
		{"one below limit", 1, true},
		{"at limit", 2, false},
		{"above limit", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{counts: map[string]int{models.QueueVoice: tt.active}}
			r := queue.NewRouter(counter, map[string]int{models.QueueVoice: 2}, 10)

			ok, err := r.CanAccept(context.Background(), models.QueueVoice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCanAccept_CountErrorRejects(t *testing.T) {
	counter := &fakeCounter{err: errors.New("connection refused")}
	r := queue.NewRouter(counter, nil, 10)

	ok, err := r.CanAccept(context.Background(), models.QueueDenoiser)
	assert.Error(t, err)
	assert.False(t, ok)
}
