// Package queue maps job kinds onto broker queues and applies the advisory
// per-queue admission limit.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// Route is where a job kind is dispatched.
type Route struct {
	Queue    string
	TaskName string
}

// routes is the static kind -> queue table. Both speaker kinds share a queue.
var routes = map[models.JobKind]Route{
	models.KindVoiceCloning:       {Queue: models.QueueVoice, TaskName: "audio:voice_cloning"},
	models.KindTranslation:        {Queue: models.QueueTranslation, TaskName: "audio:translation"},
	models.KindSpeakerDiarization: {Queue: models.QueueSpeaker, TaskName: "audio:speaker_diarization"},
	models.KindSpeakerExtraction:  {Queue: models.QueueSpeaker, TaskName: "audio:speaker_extraction"},
	models.KindDenoising:          {Queue: models.QueueDenoiser, TaskName: "audio:denoising"},
	models.KindSpectralDenoising:  {Queue: models.QueueSpectral, TaskName: "audio:spectral_denoising"},
}

// ActiveCounter counts pending and processing jobs in a queue.
type ActiveCounter interface {
	CountActive(ctx context.Context, queue string) (int, error)
}

// Router answers routing and admission questions.
type Router struct {
	counter      ActiveCounter
	limits       map[string]int
	defaultLimit int
}

// NewRouter returns a Router. Queues missing from limits use defaultLimit.
func NewRouter(counter ActiveCounter, limits map[string]int, defaultLimit int) *Router {
	l := make(map[string]int, len(limits))
	for q, n := range limits {
		l[q] = n
	}
	return &Router{counter: counter, limits: l, defaultLimit: defaultLimit}
}

// Route returns the queue and task name for kind.
func (r *Router) Route(kind models.JobKind) (Route, error) {
	route, ok := routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("no route for job kind %q", kind)
	}
	return route, nil
}

// TaskKind resolves a task name back to its job kind.
func TaskKind(taskName string) (models.JobKind, bool) {
	for kind, route := range routes {
		if route.TaskName == taskName {
			return kind, true
		}
	}
	return "", false
}

// TaskNames lists every task name the workers must handle.
func TaskNames() []string {
	names := make([]string, 0, len(models.AllKinds))
	for _, kind := range models.AllKinds {
		names = append(names, routes[kind].TaskName)
	}
	return names
}

// Limit returns the configured admission limit of queue.
func (r *Router) Limit(queue string) int {
	if n, ok := r.limits[queue]; ok {
		return n
	}
	return r.defaultLimit
}

// CanAccept reports whether queue is below its admission limit. The count is
// advisory; the broker's worker concurrency is the hard bound. When the count
// cannot be taken the queue is treated as full.
func (r *Router) CanAccept(ctx context.Context, queue string) (bool, error) {
	active, err := r.counter.CountActive(ctx, queue)
	if err != nil {
		slog.Error("admission count failed", "queue", queue, "error", err)
		return false, fmt.Errorf("count active jobs in %s: %w", queue, err)
	}
	return active < r.Limit(queue), nil
}
