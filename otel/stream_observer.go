package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/stream"
)

// StreamObserver records stream channel activity into OpenTelemetry. It
// implements stream.Observer.
type StreamObserver struct {
	tracer trace.Tracer

	transitions metric.Int64Counter
	delivered   metric.Int64Counter
	dropped     metric.Int64Counter
	open        metric.Int64UpDownCounter
}

var _ stream.Observer = (*StreamObserver)(nil)

// NewStreamObserver creates a stream observer bound to the provided meter.
// tracer may be nil; when set, every channel close is recorded as a span.
func NewStreamObserver(meter metric.Meter, tracer trace.Tracer) (*StreamObserver, error) {
	transitions, err := meter.Int64Counter(
		"jobwatch.stream.transitions",
		metric.WithDescription("Number of channel state transitions"),
	)
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64Counter(
		"jobwatch.stream.frames.delivered",
		metric.WithDescription("Number of frames delivered to stream sinks"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter(
		"jobwatch.stream.frames.dropped",
		metric.WithDescription("Number of frames discarded by stream channels"),
	)
	if err != nil {
		return nil, err
	}
	open, err := meter.Int64UpDownCounter(
		"jobwatch.stream.open",
		metric.WithDescription("Number of channels currently open"),
	)
	if err != nil {
		return nil, err
	}

	return &StreamObserver{
		tracer:      tracer,
		transitions: transitions,
		delivered:   delivered,
		dropped:     dropped,
		open:        open,
	}, nil
}

// StateChanged counts the transition and keeps the open gauge current.
func (o *StreamObserver) StateChanged(jobID string, from, to stream.State) {
	if o == nil {
		return
	}

	ctx := context.Background()
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	switch {
	case to == stream.StateOpen:
		o.open.Add(ctx, 1)
	case from == stream.StateOpen && to == stream.StateClosed:
		o.open.Add(ctx, -1)
	}

	if o.tracer == nil || to != stream.StateClosed {
		return
	}
	_, span := o.tracer.Start(ctx, "stream.closed", trace.WithAttributes(
		attribute.String("jobwatch.job_id", jobID),
		attribute.String("from", from.String()),
	))
	span.End()
}

// FrameDelivered counts one delivered frame.
func (o *StreamObserver) FrameDelivered(_ string, f frame.StatusFrame) {
	if o == nil {
		return
	}
	o.delivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", f.Status.String()),
	))
}

// FrameDropped counts one discarded frame by reason.
func (o *StreamObserver) FrameDropped(_ string, reason string) {
	if o == nil {
		return
	}
	o.dropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
