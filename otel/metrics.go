package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/jobwatch/frame"
)

// MetricsHandler translates status frames into OpenTelemetry metrics.
// It counts frames per status and records how long each job took from its
// first observed frame to its terminal frame.
type MetricsHandler struct {
	frames      metric.Int64Counter
	completions metric.Int64Counter
	jobDuration metric.Float64Histogram

	mu      sync.Mutex
	started map[string]frame.StatusFrame // jobID -> first frame seen
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording frame metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	frames, err := meter.Int64Counter("jobwatch.frames.published",
		metric.WithDescription("Number of status frames observed"),
	)
	if err != nil {
		return nil, err
	}

	completions, err := meter.Int64Counter("jobwatch.jobs.completed",
		metric.WithDescription("Number of jobs that reported a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	jobDur, err := meter.Float64Histogram("jobwatch.job.duration",
		metric.WithDescription("Time from the first to the terminal frame of a job in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		frames:      frames,
		completions: completions,
		jobDuration: jobDur,
		started:     make(map[string]frame.StatusFrame),
	}, nil
}

// Handle records one frame. It has the shape of a bus handler so it can be
// passed to bus.Listen directly.
func (h *MetricsHandler) Handle(f frame.StatusFrame) {
	ctx := context.Background()
	h.frames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", f.Status.String()),
	))

	h.mu.Lock()
	first, seen := h.started[f.JobID]
	if !seen {
		first = f
		h.started[f.JobID] = f
	}
	if f.Status.IsTerminal() {
		delete(h.started, f.JobID)
	}
	h.mu.Unlock()

	if !f.Status.IsTerminal() {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", f.Status.String()))
	h.completions.Add(ctx, 1, attrs)

	start, end := first.Time(), f.Time()
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return
	}
	h.jobDuration.Record(ctx, end.Sub(start).Seconds(), attrs)
}

// Pending returns the number of jobs with frames but no terminal frame yet.
func (h *MetricsHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started)
}
