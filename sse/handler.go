// Package sse provides a Server-Sent Events handler for streaming job status
// frames to HTTP clients. It replays journaled frames and then follows live
// frames from the hub.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/hub"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// EventName is the SSE event name carrying a status frame.
const EventName = "status"

// Handler serves an SSE stream of status frames for a given job. It first
// replays stored frames from the FrameStore, then subscribes to live frames
// via the Hub. Duplicate frames (by sequence id) are skipped.
//
// The handler expects a "job_id" path value and an optional "after" query
// parameter (or Last-Event-ID header) naming the last-seen sequence id.
//
// SSE format:
//
//	id: {sequence_id}
//	event: status
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval.
// The stream closes after a terminal frame or when the client disconnects.
type Handler struct {
	store     hub.FrameStore
	hub       hub.Hub
	heartbeat time.Duration
	logger    *slog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a new Handler with the given FrameStore and Hub.
func NewHandler(store hub.FrameStore, h hub.Hub, opts ...Option) *Handler {
	handler := &Handler{
		store:     store,
		hub:       h,
		heartbeat: HeartbeatInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(handler)
	}
	return handler
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if jobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := parseCursor(r)
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live frames before replaying stored frames, to avoid
	// missing frames that arrive between replay and subscription.
	sub := h.hub.Subscribe(jobID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, jobID, afterSeq, &lastSeq)
	if err != nil {
		h.logger.Warn("sse replay failed", "job_id", jobID, "error", err)
		return
	}
	if finished {
		return
	}

	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

func parseCursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// replayStored writes journaled frames after afterSeq. It returns true if a
// terminal frame was sent.
func (h *Handler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	jobID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	frames, err := h.store.List(ctx, jobID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, f := range frames {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeFrame(w, f); err != nil {
			return false, err
		}
		flusher.Flush()

		if f.SequenceID > *lastSeq {
			*lastSeq = f.SequenceID
		}
		if f.Status.IsTerminal() {
			return true, nil
		}
	}

	return false, nil
}

// streamLive streams frames from the live subscription, deduplicating against
// already-sent sequence ids.
func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub hub.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			if f.SequenceID <= *lastSeq {
				continue
			}

			if err := writeFrame(w, f); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = f.SequenceID
			if f.Status.IsTerminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, f frame.StatusFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.SequenceID, EventName, data)
	return err
}
