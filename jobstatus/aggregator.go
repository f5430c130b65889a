// Package jobstatus accumulates the status frames of one tracked job and
// announces changes on the event bus.
package jobstatus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/jobwatch/bus"
	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/stream"
)

// Bus topics emitted by the Aggregator and Watchdog.
const (
	TopicStatusUpdated bus.Topic[frame.StatusFrame] = "job-status-updated"
	TopicJobCompleted  bus.Topic[frame.StatusFrame] = "job-completed"
	TopicJobStalled    bus.Topic[StallEvent]        = "job-stalled"
)

// Opener opens status channels. *stream.Client satisfies it.
//
// Implementations must not invoke the sink before returning.
type Opener interface {
	StreamJob(jobID string, sink stream.Sink) stream.CancelFunc
	Resume(jobID string, after uint64, sink stream.Sink) stream.CancelFunc
}

var _ Opener = (*stream.Client)(nil)

// Config configures an Aggregator.
type Config struct {
	Streams Opener

	// Bus receives status notifications. Optional.
	Bus *bus.Bus

	Logger *slog.Logger
	Now    func() time.Time
}

// Aggregator keeps the ordered frame history of the tracked job. It owns at
// most one channel at a time.
type Aggregator struct {
	streams Opener
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	jobID       string
	gen         uint64
	cancel      stream.CancelFunc
	updates     []frame.StatusFrame
	latest      frame.StatusFrame
	hasLatest   bool
	completed   bool
	lastFrameAt time.Time
}

// NewAggregator creates an Aggregator that tracks nothing.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Streams == nil {
		return nil, errors.New("jobstatus: stream opener is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		streams: cfg.Streams,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// Track switches to jobID. History is cleared before it returns, the previous
// channel is cancelled, and a channel for jobID is opened. An empty jobID is
// Untrack. Tracking the current job again starts it over.
func (a *Aggregator) Track(jobID string) {
	if jobID == "" {
		a.Untrack()
		return
	}

	a.mu.Lock()
	prev := a.resetLocked()
	a.jobID = jobID
	a.lastFrameAt = a.now()
	a.cancel = a.streams.StreamJob(jobID, a.sinkFor(a.gen))
	a.mu.Unlock()

	// The previous channel may be delivering into a sink that needs a.mu.
	cancelPrev(prev)
	a.logger.Debug("tracking job", "job_id", jobID)
}

// Untrack cancels the channel and clears all state. It is idempotent.
func (a *Aggregator) Untrack() {
	a.mu.Lock()
	if a.jobID != "" {
		a.logger.Debug("untracking job", "job_id", a.jobID)
	}
	prev := a.resetLocked()
	a.mu.Unlock()

	cancelPrev(prev)
}

// Reconnect replaces the channel for the tracked job, keeping the history and
// asking the relay to resume after the latest sequence id. It reports false
// when no job is tracked.
func (a *Aggregator) Reconnect() bool {
	a.mu.Lock()
	if a.jobID == "" {
		a.mu.Unlock()
		return false
	}

	prev := a.cancel
	a.gen++

	var after uint64
	if a.hasLatest {
		after = a.latest.SequenceID
	}
	a.lastFrameAt = a.now()
	a.cancel = a.streams.Resume(a.jobID, after, a.sinkFor(a.gen))
	jobID := a.jobID
	a.mu.Unlock()

	cancelPrev(prev)
	a.logger.Info("reconnected job stream", "job_id", jobID, "after", after)
	return true
}

// resetLocked invalidates the current sink and clears all state. It returns
// the channel's cancel func for the caller to run after releasing a.mu.
func (a *Aggregator) resetLocked() stream.CancelFunc {
	prev := a.cancel
	a.cancel = nil
	a.gen++
	a.jobID = ""
	a.updates = nil
	a.latest = frame.StatusFrame{}
	a.hasLatest = false
	a.completed = false
	a.lastFrameAt = time.Time{}
	return prev
}

func cancelPrev(cancel stream.CancelFunc) {
	if cancel != nil {
		cancel()
	}
}

func (a *Aggregator) sinkFor(gen uint64) stream.Sink {
	return func(f frame.StatusFrame) {
		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			a.logger.Debug("discarding frame from superseded channel", "job_id", f.JobID, "seq", f.SequenceID)
			return
		}
		completed := a.appendLocked(f)
		a.mu.Unlock()

		a.announce(f, completed)
	}
}

// OnFrame appends f to the history and makes it the latest frame. Frames are
// kept exactly as delivered: no reordering and no de-duplication.
func (a *Aggregator) OnFrame(f frame.StatusFrame) {
	a.mu.Lock()
	completed := a.appendLocked(f)
	a.mu.Unlock()

	a.announce(f, completed)
}

// appendLocked records f and reports whether it is the first terminal frame.
func (a *Aggregator) appendLocked(f frame.StatusFrame) bool {
	a.updates = append(a.updates, f)
	a.latest = f
	a.hasLatest = true
	a.lastFrameAt = a.now()

	if f.Status.IsTerminal() && !a.completed {
		a.completed = true
		return true
	}
	return false
}

func (a *Aggregator) announce(f frame.StatusFrame, completed bool) {
	if a.bus == nil {
		return
	}
	bus.Publish(a.bus, TopicStatusUpdated, f)
	if completed {
		bus.Publish(a.bus, TopicJobCompleted, f)
	}
}

// Updates returns a copy of the history, oldest first.
func (a *Aggregator) Updates() []frame.StatusFrame {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]frame.StatusFrame, len(a.updates))
	copy(out, a.updates)
	return out
}

// Latest returns the most recently appended frame.
func (a *Aggregator) Latest() (frame.StatusFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.hasLatest
}

// JobID returns the tracked job id, or "" when idle.
func (a *Aggregator) JobID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobID
}

// Completed reports whether a terminal frame has been seen for the tracked job.
func (a *Aggregator) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// LastFrameAt returns when the last frame arrived, or when the current channel
// was opened if nothing has arrived since.
func (a *Aggregator) LastFrameAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFrameAt
}

func (a *Aggregator) liveness() (jobID string, completed bool, lastFrameAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobID, a.completed, a.lastFrameAt
}
