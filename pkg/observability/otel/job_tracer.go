package otel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

// JobTracer is a concurrency.Observer that records one span per job, from
// the moment a worker picks it up until it returns or panics.
type JobTracer struct {
	concurrency.NopObserver

	tracer trace.Tracer
	spans  sync.Map // job id -> trace.Span
}

// NewJobTracer creates a JobTracer. A nil tracer means Tracer("threadpool").
func NewJobTracer(tracer trace.Tracer) *JobTracer {
	if tracer == nil {
		tracer = Tracer("threadpool")
	}
	return &JobTracer{tracer: tracer}
}

// JobStarted implements concurrency.Observer
func (t *JobTracer) JobStarted(info concurrency.JobInfo, workerID int) {
	_, span := t.tracer.Start(context.Background(), "job "+info.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", info.ID),
			attribute.String("job.name", info.Name),
			attribute.Int("worker.id", workerID),
			attribute.Int64("job.queued_ms", time.Since(info.SubmittedAt).Milliseconds()),
		),
	)
	t.spans.Store(info.ID, span)
}

// JobFinished implements concurrency.Observer
func (t *JobTracer) JobFinished(info concurrency.JobInfo, result concurrency.JobResult) {
	v, ok := t.spans.LoadAndDelete(info.ID)
	if !ok {
		return
	}
	span := v.(trace.Span)

	span.SetAttributes(attribute.String("job.outcome", result.Outcome()))
	switch {
	case result.Panic != nil:
		err := fmt.Errorf("panic: %v", result.Panic)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Err != nil:
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
