// Package otel provides OpenTelemetry integration for job status frames and
// stream channels.
package otel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/jobwatch/frame"
)

// TracingHandler translates status frames into OpenTelemetry spans. Each job
// gets one span that starts at its first frame and ends at its terminal
// frame; every frame in between is recorded as a span event.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	jobSpans map[string]trace.Span // jobID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from status frames.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		jobSpans: make(map[string]trace.Span),
	}
}

// Handle records one frame on the job span, starting or ending it as needed.
func (h *TracingHandler) Handle(f frame.StatusFrame) {
	ts := frameTime(f)

	h.mu.Lock()
	span, ok := h.jobSpans[f.JobID]
	if !ok {
		_, span = h.tracer.Start(context.Background(), "job:"+f.JobID,
			trace.WithAttributes(attribute.String("jobwatch.job_id", f.JobID)),
			trace.WithTimestamp(ts),
		)
		h.jobSpans[f.JobID] = span
	}
	if f.Status.IsTerminal() {
		delete(h.jobSpans, f.JobID)
	}
	h.mu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("jobwatch.sequence_id", strconv.FormatUint(f.SequenceID, 10)),
		attribute.String("jobwatch.status", f.Status.String()),
	}
	if f.Stage != "" {
		attrs = append(attrs, attribute.String("jobwatch.stage", f.Stage))
	}
	if f.Progress != nil {
		attrs = append(attrs, attribute.Float64("jobwatch.progress", *f.Progress))
	}
	span.AddEvent("status", trace.WithTimestamp(ts), trace.WithAttributes(attrs...))

	if !f.Status.IsTerminal() {
		return
	}

	span.SetAttributes(attribute.String("jobwatch.status", f.Status.String()))
	if f.Status == frame.StatusFailed {
		msg := "job failed"
		if s, ok := f.Payload["error"].(string); ok && s != "" {
			msg = s
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(ts))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ts))
}

// ActiveSpanContext returns the SpanContext of the open span for jobID.
// Returns an empty SpanContext if the job has no open span.
func (h *TracingHandler) ActiveSpanContext(jobID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.jobSpans[jobID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// Flush ends every open span with an unset status. Used at shutdown for jobs
// that never reported a terminal frame.
func (h *TracingHandler) Flush() {
	h.mu.Lock()
	spans := h.jobSpans
	h.jobSpans = make(map[string]trace.Span)
	h.mu.Unlock()

	for _, span := range spans {
		span.SetAttributes(attribute.Bool("jobwatch.unfinished", true))
		span.End()
	}
}

func frameTime(f frame.StatusFrame) time.Time {
	if t := f.Time(); !t.IsZero() {
		return t
	}
	return time.Now()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
