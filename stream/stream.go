package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/jobwatch/frame"
)

// maxEventSize bounds a single SSE line.
const maxEventSize = 1 << 20

// Stream is one live channel for one job.
//
// Once Close returns, no sink invocation will begin, and a delivery that was
// between its closed check and the sink has finished. Close does not wait on a
// sink call that is already running, so it may be called from inside the sink.
type Stream struct {
	client *Client
	jobID  string
	sink   Sink
	opts   openOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state       atomic.Int32
	closed      atomic.Bool
	lastEventID atomic.Uint64

	// deliverMu is held across the closed check and the sink call.
	deliverMu sync.Mutex
	inSink    atomic.Bool
}

func newStream(c *Client, jobID string, sink Sink, opts openOptions) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		client: c,
		jobID:  jobID,
		sink:   sink,
		opts:   opts,
		logger: c.logger.With("job_id", jobID),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.lastEventID.Store(opts.after)
	return s
}

// JobID returns the job this channel is scoped to.
func (s *Stream) JobID() string {
	return s.jobID
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Done is closed when the reader goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// LastEventID returns the highest sequence id seen on this channel, or the
// WithAfter cursor if nothing has arrived yet.
func (s *Stream) LastEventID() uint64 {
	return s.lastEventID.Load()
}

// Close cancels the channel. It is safe to call more than once, on a nil
// Stream, and from inside the sink.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if !s.inSink.Load() {
		s.deliverMu.Lock()
		//nolint:staticcheck // waits out an in-flight delivery
		s.deliverMu.Unlock()
	}
	s.toClosed()
}

func (s *Stream) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.client.observer.StateChanged(s.jobID, from, to)
	return true
}

func (s *Stream) toClosed() {
	for {
		cur := State(s.state.Load())
		if cur == StateClosed {
			return
		}
		if s.transition(cur, StateClosed) {
			return
		}
	}
}

func (s *Stream) run() {
	defer close(s.done)
	defer s.toClosed()
	defer s.cancel()

	req, err := s.newRequest()
	if err != nil {
		s.logger.Warn("stream request build failed", "error", err)
		return
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("stream connect failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("stream rejected by relay", "status", resp.StatusCode)
		return
	}

	if !s.transition(StateConnecting, StateOpen) {
		return
	}
	s.logger.Debug("stream open")

	err = s.readEvents(resp.Body)
	switch {
	case s.ctx.Err() != nil:
		s.logger.Debug("stream cancelled")
	case err != nil:
		s.logger.Warn("stream dropped", "error", err)
	default:
		s.logger.Debug("stream ended by relay")
	}
}

func (s *Stream) newRequest() (*http.Request, error) {
	u := s.client.endpoint("api", "jobs", jobPath(s.jobID), "stream")
	if s.opts.after > 0 {
		q := u.Query()
		q.Set("after", strconv.FormatUint(s.opts.after, 10))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.client.authorize(req)
	return req, nil
}

// event is one dispatched SSE message.
type event struct {
	id   string
	name string
	data []string
}

// readEvents parses the text/event-stream body until EOF or error. Only
// "status" events and unnamed events are treated as frames.
func (s *Stream) readEvents(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var ev event
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if len(ev.data) > 0 {
				s.dispatch(ev)
			}
			ev = event{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id = value
		case "event":
			ev.name = value
		case "data":
			ev.data = append(ev.data, value)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Stream) dispatch(ev event) {
	if ev.name != "" && ev.name != "status" && ev.name != "message" {
		return
	}

	f, err := frame.Parse([]byte(strings.Join(ev.data, "\n")))
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err, "event_id", ev.id)
		s.client.observer.FrameDropped(s.jobID, DropMalformed)
		return
	}

	if f.JobID == "" {
		f.JobID = s.jobID
	} else if f.JobID != s.jobID {
		s.logger.Warn("dropping misrouted frame", "frame_job_id", f.JobID, "seq", f.SequenceID)
		s.client.observer.FrameDropped(s.jobID, DropMisrouted)
		return
	}

	s.deliver(f)
}

func (s *Stream) deliver(f frame.StatusFrame) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed.Load() {
		s.client.observer.FrameDropped(s.jobID, DropClosed)
		return
	}

	if f.SequenceID > s.lastEventID.Load() {
		s.lastEventID.Store(f.SequenceID)
	}

	defer func() {
		s.inSink.Store(false)
		if r := recover(); r != nil {
			s.logger.Error("stream sink panic recovered",
				"seq", f.SequenceID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	s.client.observer.FrameDelivered(s.jobID, f)
	if s.sink != nil {
		s.inSink.Store(true)
		s.sink(f)
	}
}
