package stream_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/stream"
)

// fakeRelay serves one event-stream route. Test code pushes raw SSE blocks
// onto a job's channel; an empty string ends the response.
type fakeRelay struct {
	mu       sync.Mutex
	events   map[string]chan string
	requests chan recordedRequest
	status   int
}

type recordedRequest struct {
	JobID  string
	After  string
	Accept string
	Auth   string
}

func newFakeRelay(t *testing.T) (*fakeRelay, *httptest.Server) {
	t.Helper()
	relay := &fakeRelay{
		events:   make(map[string]chan string),
		requests: make(chan recordedRequest, 8),
		status:   http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{job_id}/stream", relay.serve)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return relay, ts
}

func (f *fakeRelay) job(jobID string) chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.events[jobID]
	if !ok {
		ch = make(chan string, 64)
		f.events[jobID] = ch
	}
	return ch
}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	f.requests <- recordedRequest{
		JobID:  jobID,
		After:  r.URL.Query().Get("after"),
		Accept: r.Header.Get("Accept"),
		Auth:   r.Header.Get("Authorization"),
	}
	if f.status != http.StatusOK {
		http.Error(w, "nope", f.status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	events := f.job(jobID)
	for {
		select {
		case <-r.Context().Done():
			return
		case block := <-events:
			if block == "" {
				return
			}
			fmt.Fprint(w, block)
			flusher.Flush()
		}
	}
}

func statusEvent(jobID string, seq uint64, status frame.Status) string {
	f := frame.StatusFrame{
		SequenceID: seq,
		JobID:      jobID,
		Status:     status,
		Timestamp:  time.Date(2025, 3, 1, 12, 0, int(seq), 0, time.UTC).Format(time.RFC3339),
	}
	data, _ := json.Marshal(f)
	return fmt.Sprintf("id: %d\nevent: status\ndata: %s\n\n", seq, data)
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	delivered   int
	dropped     map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{dropped: make(map[string]int)}
}

func (o *recordingObserver) StateChanged(_ string, from, to stream.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
}

func (o *recordingObserver) FrameDelivered(string, frame.StatusFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered++
}

func (o *recordingObserver) FrameDropped(_ string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[reason]++
}

func (o *recordingObserver) snapshot() ([]string, int, map[string]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := make(map[string]int, len(o.dropped))
	for k, v := range o.dropped {
		dropped[k] = v
	}
	return append([]string(nil), o.transitions...), o.delivered, dropped
}

// gatedObserver parks the reader inside FrameDelivered until release closes.
type gatedObserver struct {
	stream.NopObserver
	entered chan struct{}
	release chan struct{}
}

func newGatedObserver() *gatedObserver {
	return &gatedObserver{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (o *gatedObserver) FrameDelivered(string, frame.StatusFrame) {
	select {
	case o.entered <- struct{}{}:
	default:
	}
	<-o.release
}

func newClient(t *testing.T, baseURL string, obs stream.Observer) *stream.Client {
	t.Helper()
	c, err := stream.NewClient(stream.Config{BaseURL: baseURL, Token: "secret", Observer: obs})
	require.NoError(t, err)
	return c
}

// collector is a sink that forwards frames to a channel.
func collector() (stream.Sink, <-chan frame.StatusFrame) {
	ch := make(chan frame.StatusFrame, 64)
	return func(f frame.StatusFrame) { ch <- f }, ch
}

func receive(t *testing.T, ch <-chan frame.StatusFrame) frame.StatusFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame.StatusFrame{}
	}
}

func requireNoFrame(t *testing.T, ch <-chan frame.StatusFrame) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame delivered: %+v", f)
	case <-time.After(150 * time.Millisecond):
	}
}

func waitDone(t *testing.T, s *stream.Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream reader did not exit")
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := stream.NewClient(stream.Config{})
	require.ErrorIs(t, err, stream.ErrMissingBaseURL)

	_, err = stream.NewClient(stream.Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)

	c, err := stream.NewClient(stream.Config{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestStreamJob_DeliversInArrivalOrder(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	sink, frames := collector()
	cancel := client.StreamJob("job-1", sink)
	defer cancel()

	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusQueued)
	relay.job("job-1") <- statusEvent("job-1", 2, frame.StatusRunning)
	relay.job("job-1") <- statusEvent("job-1", 3, frame.StatusDone)

	for want := uint64(1); want <= 3; want++ {
		require.Equal(t, want, receive(t, frames).SequenceID)
	}
}

func TestStreamJob_DeliversOutOfOrderAsReceived(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	sink, frames := collector()
	cancel := client.StreamJob("job-1", sink)
	defer cancel()

	relay.job("job-1") <- statusEvent("job-1", 3, frame.StatusRunning)
	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusQueued)
	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusQueued)

	require.Equal(t, uint64(3), receive(t, frames).SequenceID)
	require.Equal(t, uint64(1), receive(t, frames).SequenceID)
	require.Equal(t, uint64(1), receive(t, frames).SequenceID)
}

func TestStreamJob_RequestShape(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	s := client.Open("job/with space", func(frame.StatusFrame) {}, stream.WithAfter(7))
	defer s.Close()

	var req recordedRequest
	select {
	case req = <-relay.requests:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the request")
	}

	require.Equal(t, "job/with space", req.JobID)
	require.Equal(t, "7", req.After)
	require.Equal(t, "text/event-stream", req.Accept)
	require.Equal(t, "Bearer secret", req.Auth)
}

func TestStreamJob_MalformedFrameDropped(t *testing.T) {
	relay, ts := newFakeRelay(t)
	obs := newRecordingObserver()
	client := newClient(t, ts.URL, obs)

	var (
		mu    sync.Mutex
		calls int
	)
	got := make(chan frame.StatusFrame, 4)
	cancel := client.StreamJob("job-1", func(f frame.StatusFrame) {
		mu.Lock()
		calls++
		mu.Unlock()
		got <- f
	})
	defer cancel()

	relay.job("job-1") <- "event: status\ndata: {not json\n\n"
	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusRunning)

	f := receive(t, got)
	require.Equal(t, frame.StatusRunning, f.Status)
	requireNoFrame(t, got)

	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()

	_, delivered, dropped := obs.snapshot()
	require.Equal(t, 1, delivered)
	require.Equal(t, 1, dropped[stream.DropMalformed])
}

func TestStreamJob_InvalidFieldsDropped(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	sink, frames := collector()
	cancel := client.StreamJob("job-1", sink)
	defer cancel()

	relay.job("job-1") <- `event: status` + "\n" + `data: {"sequence_id":1,"job_id":"job-1","status":""}` + "\n\n"
	relay.job("job-1") <- `event: status` + "\n" + `data: {"sequence_id":2,"job_id":"job-1","status":"running","progress":1.5}` + "\n\n"
	relay.job("job-1") <- statusEvent("job-1", 3, frame.StatusRunning)

	require.Equal(t, uint64(3), receive(t, frames).SequenceID)
	requireNoFrame(t, frames)
}

func TestStreamJob_IgnoresCommentsAndOtherEvents(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	sink, frames := collector()
	cancel := client.StreamJob("job-1", sink)
	defer cancel()

	relay.job("job-1") <- ": ping\n\n"
	relay.job("job-1") <- "event: log\ndata: {\"line\":\"hello\"}\n\n"
	relay.job("job-1") <- `data: {"sequence_id":4,"job_id":"job-1","status":"running"}` + "\r\n\r\n"

	f := receive(t, frames)
	require.Equal(t, uint64(4), f.SequenceID)
	requireNoFrame(t, frames)
}

func TestStreamJob_MisroutedAndEmptyJobID(t *testing.T) {
	relay, ts := newFakeRelay(t)
	obs := newRecordingObserver()
	client := newClient(t, ts.URL, obs)

	sink, frames := collector()
	cancel := client.StreamJob("job-1", sink)
	defer cancel()

	relay.job("job-1") <- statusEvent("job-2", 1, frame.StatusRunning)
	relay.job("job-1") <- `event: status` + "\n" + `data: {"sequence_id":2,"status":"running"}` + "\n\n"

	f := receive(t, frames)
	require.Equal(t, "job-1", f.JobID)
	require.Equal(t, uint64(2), f.SequenceID)
	requireNoFrame(t, frames)

	_, _, dropped := obs.snapshot()
	require.Equal(t, 1, dropped[stream.DropMisrouted])
}

func TestStreamJob_CancelStopsDelivery(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	sink, frames := collector()
	s := client.Open("job-1", sink)

	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusRunning)
	receive(t, frames)

	s.Close()
	relay.job("job-1") <- statusEvent("job-1", 2, frame.StatusRunning)

	requireNoFrame(t, frames)
	waitDone(t, s)
	require.Equal(t, stream.StateClosed, s.State())
}

func TestStreamJob_CancelWaitsForInFlightDelivery(t *testing.T) {
	relay, ts := newFakeRelay(t)
	obs := newGatedObserver()
	client := newClient(t, ts.URL, obs)

	var (
		cancelReturned atomic.Bool
		lateSinkCall   atomic.Bool
		sinkCalls      atomic.Int32
	)
	cancel := client.StreamJob("job-1", func(frame.StatusFrame) {
		sinkCalls.Add(1)
		if cancelReturned.Load() {
			lateSinkCall.Store(true)
		}
	})

	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusRunning)
	select {
	case <-obs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the observer")
	}

	cancelDone := make(chan struct{})
	go func() {
		cancel()
		cancelReturned.Store(true)
		close(cancelDone)
	}()

	select {
	case <-cancelDone:
		t.Fatal("cancel returned while a delivery was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(obs.release)
	select {
	case <-cancelDone:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return after the delivery finished")
	}

	require.False(t, lateSinkCall.Load(), "sink ran after cancel returned")
	require.Equal(t, int32(1), sinkCalls.Load())
}

func TestStreamJob_NoSinkCallAfterCancelReturns(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	var (
		cancelReturned atomic.Bool
		lateSinkCall   atomic.Bool
	)
	received := make(chan struct{}, 64)
	cancel := client.StreamJob("job-1", func(frame.StatusFrame) {
		if cancelReturned.Load() {
			lateSinkCall.Store(true)
		}
		received <- struct{}{}
	})

	go func() {
		for seq := uint64(1); seq <= 50; seq++ {
			select {
			case relay.job("job-1") <- statusEvent("job-1", seq, frame.StatusRunning):
			case <-time.After(time.Second):
				return
			}
		}
	}()

	<-received
	cancel()
	cancelReturned.Store(true)

	time.Sleep(100 * time.Millisecond)
	require.False(t, lateSinkCall.Load(), "sink ran after cancel returned")
}

func TestStreamJob_CancelIsIdempotent(t *testing.T) {
	_, ts := newFakeRelay(t)
	obs := newRecordingObserver()
	client := newClient(t, ts.URL, obs)

	cancel := client.StreamJob("job-1", func(frame.StatusFrame) {})
	cancel()
	cancel()
	cancel()

	var nilStream *stream.Stream
	nilStream.Close()

	time.Sleep(50 * time.Millisecond)
	transitions, _, _ := obs.snapshot()
	closedCount := 0
	for _, tr := range transitions {
		if tr == "connecting->closed" || tr == "open->closed" {
			closedCount++
		}
	}
	require.Equal(t, 1, closedCount)
}

func TestStreamJob_CancelFromInsideSink(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	var (
		s     *stream.Stream
		ready = make(chan struct{})
	)
	got := make(chan frame.StatusFrame, 8)
	s = client.Open("job-1", func(f frame.StatusFrame) {
		<-ready
		got <- f
		s.Close()
		s.Close()
	})
	close(ready)

	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusRunning)
	relay.job("job-1") <- statusEvent("job-1", 2, frame.StatusRunning)

	require.Equal(t, uint64(1), receive(t, got).SequenceID)
	waitDone(t, s)
	requireNoFrame(t, got)
}

func TestStreamJob_SinkPanicIsContained(t *testing.T) {
	relay, ts := newFakeRelay(t)
	client := newClient(t, ts.URL, nil)

	got := make(chan frame.StatusFrame, 8)
	cancel := client.StreamJob("job-1", func(f frame.StatusFrame) {
		if f.SequenceID == 1 {
			panic("sink exploded")
		}
		got <- f
	})
	defer cancel()

	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusRunning)
	relay.job("job-1") <- statusEvent("job-1", 2, frame.StatusRunning)

	require.Equal(t, uint64(2), receive(t, got).SequenceID)
}

func TestStream_StateMachine(t *testing.T) {
	relay, ts := newFakeRelay(t)
	obs := newRecordingObserver()
	client := newClient(t, ts.URL, obs)

	sink, frames := collector()
	s := client.Open("job-1", sink)

	relay.job("job-1") <- statusEvent("job-1", 1, frame.StatusRunning)
	receive(t, frames)
	require.Equal(t, stream.StateOpen, s.State())
	require.Equal(t, uint64(1), s.LastEventID())

	// The relay ends the response.
	relay.job("job-1") <- ""
	waitDone(t, s)
	require.Equal(t, stream.StateClosed, s.State())

	transitions, _, _ := obs.snapshot()
	require.Equal(t, []string{"connecting->open", "open->closed"}, transitions)
}

func TestStream_OpenRejected(t *testing.T) {
	relay, ts := newFakeRelay(t)
	relay.status = http.StatusNotFound
	obs := newRecordingObserver()
	client := newClient(t, ts.URL, obs)

	sink, frames := collector()
	s := client.Open("missing", sink)
	waitDone(t, s)

	require.Equal(t, stream.StateClosed, s.State())
	requireNoFrame(t, frames)
	transitions, _, _ := obs.snapshot()
	require.Equal(t, []string{"connecting->closed"}, transitions)
}

func TestStream_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := newClient(t, url, nil)
	s := client.Open("job-1", func(frame.StatusFrame) {})
	waitDone(t, s)
	require.Equal(t, stream.StateClosed, s.State())
}
