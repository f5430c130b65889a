package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/jobwatch/bus"
)

const (
	defaultWatchdogSchedule = "@every 5s"
	defaultStallAfter       = 30 * time.Second
)

var watchdogScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// StallEvent is the payload of TopicJobStalled.
type StallEvent struct {
	JobID       string
	LastFrameAt time.Time
	Silence     time.Duration
}

// WatchdogConfig configures a Watchdog.
type WatchdogConfig struct {
	Aggregator *Aggregator

	// Bus receives TopicJobStalled. Optional.
	Bus *bus.Bus

	// StallAfter is how long a non-terminal job may stay silent (default: 30s).
	StallAfter time.Duration

	// Schedule is a cron expression or descriptor for check passes
	// (default: "@every 5s").
	Schedule string

	// Reconnect makes a stall trigger Aggregator.Reconnect.
	Reconnect bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Watchdog detects tracked jobs whose channel has gone quiet. The stream
// client never reports a dropped connection, so silence is the only signal.
type Watchdog struct {
	agg        *Aggregator
	bus        *bus.Bus
	stallAfter time.Duration
	schedule   cron.Schedule
	reconnect  bool
	now        func() time.Time
	logger     *slog.Logger

	mu          sync.Mutex
	reportedFor time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewWatchdog validates cfg and returns a stopped Watchdog.
func NewWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	if cfg.Aggregator == nil {
		return nil, errors.New("jobstatus: watchdog aggregator is nil")
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = defaultWatchdogSchedule
	}
	schedule, err := watchdogScheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("jobstatus: invalid watchdog schedule %q: %w", expr, err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Watchdog{
		agg:        cfg.Aggregator,
		bus:        cfg.Bus,
		stallAfter: cfg.StallAfter,
		schedule:   schedule,
		reconnect:  cfg.Reconnect,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}, nil
}

// Check runs a single pass at now. It reports whether a stall was announced.
// A stall is announced once per silence period: a new frame or a new channel
// re-arms it.
func (w *Watchdog) Check(now time.Time) bool {
	jobID, completed, last := w.agg.liveness()
	if jobID == "" || completed {
		return false
	}

	silence := now.Sub(last)
	if silence < w.stallAfter {
		return false
	}

	w.mu.Lock()
	if w.reportedFor.Equal(last) {
		w.mu.Unlock()
		return false
	}
	w.reportedFor = last
	w.mu.Unlock()

	w.logger.Warn("job stream stalled", "job_id", jobID, "silence", silence.String())
	if w.bus != nil {
		bus.Publish(w.bus, TopicJobStalled, StallEvent{
			JobID:       jobID,
			LastFrameAt: last,
			Silence:     silence,
		})
	}
	if w.reconnect {
		w.agg.Reconnect()
	}
	return true
}

// Start runs Check on the configured schedule until Stop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		for {
			now := w.now()
			timer := time.NewTimer(w.schedule.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				w.Check(w.now())
			}
		}
	}()
}

// Stop halts the schedule and waits for an in-progress pass to finish or ctx
// to expire.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
