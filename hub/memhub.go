package hub

import (
	"log/slog"
	"sync"

	"github.com/petal-labs/jobwatch/frame"
)

// MemHubConfig configures an in-memory hub.
type MemHubConfig struct {
	// SubscriberBufferSize is the number of frames a watcher may fall behind
	// before it is cut off (default: 256).
	SubscriberBufferSize int

	// Logger receives eviction notices. Defaults to slog.Default().
	Logger *slog.Logger
}

// MemHub fans status frames out to the live watchers of each job.
//
// A job's watchers are released right after its terminal frame is queued to
// them, since no later frame can follow. A watcher whose buffer is full is
// released too rather than skipping frames: its stream ends and the client
// resumes from the journal with its last sequence id.
type MemHub struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}
	bufSize  int
	logger   *slog.Logger
	closed   bool
}

// NewMemHub creates an in-memory hub.
func NewMemHub(config MemHubConfig) *MemHub {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemHub{
		watchers: make(map[string]map[*watcher]struct{}),
		bufSize:  bufSize,
		logger:   logger,
	}
}

// Publish queues f for every watcher of f.JobID. Frames published after
// Close are dropped.
func (h *MemHub) Publish(f frame.StatusFrame) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	var lagging []*watcher
	for w := range h.watchers[f.JobID] {
		if !w.offer(f) {
			lagging = append(lagging, w)
		}
	}
	h.mu.RUnlock()

	if f.Status.IsTerminal() {
		h.release(f.JobID)
		return
	}
	for _, w := range lagging {
		h.logger.Warn("releasing lagging watcher",
			"job_id", f.JobID,
			"seq", f.SequenceID,
			"buffer", h.bufSize,
		)
		_ = w.Close()
	}
}

// Subscribe registers a watcher for jobID. On a closed hub the returned
// subscription is already closed.
func (h *MemHub) Subscribe(jobID string) Subscription {
	w := &watcher{
		hub:    h,
		jobID:  jobID,
		frames: make(chan frame.StatusFrame, h.bufSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		w.finish()
		return w
	}
	set, ok := h.watchers[jobID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[jobID] = set
	}
	set[w] = struct{}{}
	return w
}

// Close releases every watcher. Later subscriptions start closed.
func (h *MemHub) Close() error {
	h.mu.Lock()
	all := h.watchers
	h.watchers = make(map[string]map[*watcher]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, set := range all {
		for w := range set {
			w.finish()
		}
	}
	return nil
}

// release detaches and closes all current watchers of jobID.
func (h *MemHub) release(jobID string) {
	h.mu.Lock()
	set := h.watchers[jobID]
	delete(h.watchers, jobID)
	h.mu.Unlock()

	for w := range set {
		w.finish()
	}
}

func (h *MemHub) detach(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.watchers[w.jobID]
	delete(set, w)
	if len(set) == 0 {
		delete(h.watchers, w.jobID)
	}
}

// watcher is one live subscription on a MemHub.
type watcher struct {
	hub    *MemHub
	jobID  string
	frames chan frame.StatusFrame

	mu   sync.Mutex
	done bool
}

func (w *watcher) Frames() <-chan frame.StatusFrame {
	return w.frames
}

func (w *watcher) Close() error {
	w.hub.detach(w)
	w.finish()
	return nil
}

func (w *watcher) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.done {
		w.done = true
		close(w.frames)
	}
}

// offer queues f without blocking. It reports false when the buffer is full.
func (w *watcher) offer(f frame.StatusFrame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return true
	}
	select {
	case w.frames <- f:
		return true
	default:
		return false
	}
}

var (
	_ Hub          = (*MemHub)(nil)
	_ Subscription = (*watcher)(nil)
)
