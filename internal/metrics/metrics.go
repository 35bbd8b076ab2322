// Package metrics records job orchestration metrics through the OTel metric API.
// Without a configured MeterProvider the global noop provider is used and every
// call is a no-op.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

const meterName = "github.com/kiranshivaraju/audioqueue"

// Outcome values used on the outcome attribute.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Recorder owns the instruments. It is safe for concurrent use.
type Recorder struct {
	duration   metric.Float64Histogram
	outcomes   metric.Int64Counter
	active     metric.Int64UpDownCounter
	reaped     metric.Int64Counter
	retries    metric.Int64Counter
	rejections metric.Int64Counter
	dispatches metric.Int64Counter
}

// New builds a Recorder on the global MeterProvider.
func New() *Recorder {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter builds a Recorder on meter. Instrument creation errors leave
// noop instruments in place.
func NewWithMeter(meter metric.Meter) *Recorder {
	r := &Recorder{}
	r.duration, _ = meter.Float64Histogram("audioqueue.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"))
	r.outcomes, _ = meter.Int64Counter("audioqueue.job.outcomes",
		metric.WithDescription("Jobs finished by the worker, by outcome"),
		metric.WithUnit("{job}"))
	r.active, _ = meter.Int64UpDownCounter("audioqueue.job.active",
		metric.WithDescription("Jobs currently executing in this process"),
		metric.WithUnit("{job}"))
	r.reaped, _ = meter.Int64Counter("audioqueue.job.reaped",
		metric.WithDescription("Stale jobs forced to failed by the reaper"),
		metric.WithUnit("{job}"))
	r.retries, _ = meter.Int64Counter("audioqueue.job.retries",
		metric.WithDescription("Retry attempts, by result"),
		metric.WithUnit("{attempt}"))
	r.rejections, _ = meter.Int64Counter("audioqueue.admission.rejections",
		metric.WithDescription("Submissions rejected by admission control"),
		metric.WithUnit("{job}"))
	r.dispatches, _ = meter.Int64Counter("audioqueue.dispatch.attempts",
		metric.WithDescription("Broker dispatch attempts, by result"),
		metric.WithUnit("{attempt}"))
	return r
}

func jobAttrs(kind models.JobKind, queue string, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("kind", string(kind)),
		attribute.String("queue", queue),
	}, extra...)
	return metric.WithAttributes(attrs...)
}

func status(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("status", "ok")
	}
	return attribute.String("status", "error")
}

// JobStarted marks a job as executing in this process.
func (r *Recorder) JobStarted(ctx context.Context, kind models.JobKind, queue string) {
	r.active.Add(ctx, 1, jobAttrs(kind, queue))
}

// JobFinished records the duration and outcome of one execution and releases
// the active slot taken by JobStarted.
func (r *Recorder) JobFinished(ctx context.Context, kind models.JobKind, queue, outcome string, elapsed time.Duration) {
	attrs := jobAttrs(kind, queue, attribute.String("outcome", outcome))
	r.duration.Record(ctx, elapsed.Seconds(), attrs)
	r.outcomes.Add(ctx, 1, attrs)
	r.active.Add(ctx, -1, jobAttrs(kind, queue))
}

// JobSkipped records a delivery that did not lead to an execution, such as a
// redelivered task whose job was already claimed.
func (r *Recorder) JobSkipped(ctx context.Context, reason string) {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", OutcomeSkipped),
		attribute.String("reason", reason)))
}

func (r *Recorder) JobReaped(ctx context.Context, kind models.JobKind, queue string) {
	r.reaped.Add(ctx, 1, jobAttrs(kind, queue))
}

func (r *Recorder) RetryAttempted(ctx context.Context, kind models.JobKind, queue string, ok bool) {
	r.retries.Add(ctx, 1, jobAttrs(kind, queue, status(ok)))
}

func (r *Recorder) AdmissionRejected(ctx context.Context, queue string) {
	r.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (r *Recorder) Dispatched(ctx context.Context, kind models.JobKind, queue string, ok bool) {
	r.dispatches.Add(ctx, 1, jobAttrs(kind, queue, status(ok)))
}
