package hub

import (
	"sync"
	"time"

	"github.com/petal-labs/jobwatch/frame"
)

// ThrottleConfig controls the behavior of ThrottledPublisher.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced progress frames.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledPublisher wraps a publish function and coalesces high-frequency
// progress frames. A frame is coalescible when it is non-terminal and keeps
// the job's previous status, i.e. it only moves stage or progress. Only the
// latest such frame per job survives each interval. Any other frame first
// flushes the job's pending frame and then passes through, so per-job
// publish order still follows sequence order.
//
// A job is forgotten when it reaches a terminal status, or once it has
// nothing pending and has not published for a full interval.
type ThrottledPublisher struct {
	publish  func(frame.StatusFrame)
	interval time.Duration

	sendMu sync.Mutex // serializes calls into publish

	mu         sync.Mutex
	pending    map[string]frame.StatusFrame // jobID -> latest coalesced frame
	lastStatus map[string]frame.Status
	lastSeen   map[string]time.Time
	closed     bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewThrottledPublisher creates a ThrottledPublisher that forwards to publish.
func NewThrottledPublisher(publish func(frame.StatusFrame), cfg ThrottleConfig) *ThrottledPublisher {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	tp := &ThrottledPublisher{
		publish:    publish,
		interval:   interval,
		pending:    make(map[string]frame.StatusFrame),
		lastStatus: make(map[string]frame.Status),
		lastSeen:   make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	go tp.run()

	return tp
}

// Publish forwards f, coalescing it if it is a pure progress update.
func (tp *ThrottledPublisher) Publish(f frame.StatusFrame) {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		tp.send(f)
		return
	}

	tp.lastSeen[f.JobID] = time.Now()
	prev, seen := tp.lastStatus[f.JobID]
	if seen && prev == f.Status && !f.Status.IsTerminal() {
		tp.pending[f.JobID] = f
		tp.mu.Unlock()
		return
	}

	tp.lastStatus[f.JobID] = f.Status
	if f.Status.IsTerminal() {
		delete(tp.lastStatus, f.JobID)
		delete(tp.lastSeen, f.JobID)
	}
	held, hasHeld := tp.pending[f.JobID]
	delete(tp.pending, f.JobID)

	// Take sendMu before releasing mu so a concurrent flush cannot slip an
	// older frame in after this one.
	tp.sendMu.Lock()
	tp.mu.Unlock()
	defer tp.sendMu.Unlock()

	if hasHeld {
		tp.publish(held)
	}
	tp.publish(f)
}

// Close flushes any pending frames and stops the background ticker.
// It is safe to call Close multiple times.
func (tp *ThrottledPublisher) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	tp.mu.Unlock()

	close(tp.stopCh)
	<-tp.doneCh
}

func (tp *ThrottledPublisher) run() {
	defer close(tp.doneCh)

	ticker := time.NewTicker(tp.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			tp.flush()
			tp.evictIdle(now)
		case <-tp.stopCh:
			tp.flush()
			return
		}
	}
}

// flush sends all pending coalesced frames and clears the pending map.
func (tp *ThrottledPublisher) flush() {
	tp.mu.Lock()
	if len(tp.pending) == 0 {
		tp.mu.Unlock()
		return
	}
	toFlush := tp.pending
	tp.pending = make(map[string]frame.StatusFrame)

	tp.sendMu.Lock()
	tp.mu.Unlock()
	defer tp.sendMu.Unlock()

	for _, f := range toFlush {
		tp.publish(f)
	}
}

// evictIdle forgets jobs with nothing pending whose last publish is at least
// one interval before now.
func (tp *ThrottledPublisher) evictIdle(now time.Time) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	for jobID, seen := range tp.lastSeen {
		if _, held := tp.pending[jobID]; held {
			continue
		}
		if now.Sub(seen) >= tp.interval {
			delete(tp.lastSeen, jobID)
			delete(tp.lastStatus, jobID)
		}
	}
}

func (tp *ThrottledPublisher) send(f frame.StatusFrame) {
	tp.sendMu.Lock()
	defer tp.sendMu.Unlock()
	tp.publish(f)
}
