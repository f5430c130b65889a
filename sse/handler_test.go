package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/hub"
	"github.com/petal-labs/jobwatch/sse"
)

func testFrame(jobID string, seq uint64, status frame.Status) frame.StatusFrame {
	return frame.StatusFrame{
		SequenceID: seq,
		JobID:      jobID,
		Status:     status,
		Stage:      "stage",
		Payload:    map[string]any{"seq_val": float64(seq)},
		Timestamp:  time.Date(2025, 1, 1, 0, 0, int(seq), 0, time.UTC).Format(time.RFC3339Nano),
	}
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}

	return msgs
}

func setupTestServer(store hub.FrameStore, h hub.Hub, opts ...sse.Option) *httptest.Server {
	handler := sse.NewHandler(store, h, opts...)
	mux := http.NewServeMux()
	mux.Handle("GET /api/jobs/{job_id}/stream", handler)
	return httptest.NewServer(mux)
}

// streamAsync issues the request in the background and returns a channel that
// yields the full body once the server closes the stream.
func streamAsync(t *testing.T, url string) <-chan string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- ""
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		out <- string(body)
	}()
	return out
}

// countingHub wraps a MemHub and tracks open subscriptions per job.
type countingHub struct {
	*hub.MemHub

	mu   sync.Mutex
	open map[string]int
}

func newCountingHub() *countingHub {
	return &countingHub{MemHub: hub.NewMemHub(hub.MemHubConfig{}), open: make(map[string]int)}
}

func (c *countingHub) Subscribe(jobID string) hub.Subscription {
	c.mu.Lock()
	c.open[jobID]++
	c.mu.Unlock()
	return &countedSub{Subscription: c.MemHub.Subscribe(jobID), hub: c, jobID: jobID}
}

func (c *countingHub) subscribers(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[jobID]
}

type countedSub struct {
	hub.Subscription
	hub   *countingHub
	jobID string
	once  sync.Once
}

func (s *countedSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		s.hub.open[s.jobID]--
		s.hub.mu.Unlock()
	})
	return s.Subscription.Close()
}

func waitForSubscriber(t *testing.T, h *countingHub, jobID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.subscribers(jobID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber for %s", jobID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_ReplayFromStore(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-replay"
	ctx := context.Background()

	frames := []frame.StatusFrame{
		testFrame(jobID, 1, frame.StatusQueued),
		testFrame(jobID, 2, frame.StatusRunning),
		testFrame(jobID, 3, frame.StatusRunning),
		testFrame(jobID, 4, frame.StatusDone),
	}
	for _, f := range frames {
		if err := store.Append(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/" + jobID + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected Content-Type text/event-stream, got %s", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	msgs := parseSSEMessages(string(body))
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %s", len(msgs), body)
	}

	for i, m := range msgs {
		if m.Event != sse.EventName {
			t.Errorf("message %d: expected event %q, got %q", i, sse.EventName, m.Event)
		}
	}

	var parsed frame.StatusFrame
	if err := json.Unmarshal([]byte(msgs[0].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed.JobID != jobID || parsed.Status != frame.StatusQueued {
		t.Errorf("unexpected first frame %+v", parsed)
	}

	if msgs[3].ID != "4" {
		t.Errorf("expected last id 4, got %s", msgs[3].ID)
	}
}

func TestHandler_LiveSubscription(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-live"

	ts := setupTestServer(store, h)
	defer ts.Close()

	result := streamAsync(t, ts.URL+"/api/jobs/"+jobID+"/stream")
	waitForSubscriber(t, h, jobID)

	h.Publish(testFrame(jobID, 1, frame.StatusQueued))
	h.Publish(testFrame(jobID, 2, frame.StatusRunning))
	h.Publish(testFrame(jobID, 3, frame.StatusFailed))

	msgs := parseSSEMessages(<-result)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[2].ID != "3" {
		t.Errorf("unexpected ids %s..%s", msgs[0].ID, msgs[2].ID)
	}
}

func TestHandler_IgnoresOtherJobs(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	ts := setupTestServer(store, h)
	defer ts.Close()

	result := streamAsync(t, ts.URL+"/api/jobs/job-a/stream")
	waitForSubscriber(t, h, "job-a")

	h.Publish(testFrame("job-b", 1, frame.StatusRunning))
	h.Publish(testFrame("job-a", 1, frame.StatusDone))

	msgs := parseSSEMessages(<-result)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Data, `"job_id":"job-a"`) {
		t.Errorf("expected job-a frame, got %s", msgs[0].Data)
	}
}

func TestHandler_AfterCursor(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-cursor"
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		status := frame.StatusRunning
		if i == 5 {
			status = frame.StatusDone
		}
		if err := store.Append(ctx, testFrame(jobID, i, status)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/" + jobID + "/stream?after=3")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (seq 4 and 5), got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "4" || msgs[1].ID != "5" {
		t.Errorf("expected ids 4,5 got %s,%s", msgs[0].ID, msgs[1].ID)
	}
}

func TestHandler_LastEventIDHeader(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-last-event"
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		status := frame.StatusRunning
		if i == 3 {
			status = frame.StatusCancelled
		}
		if err := store.Append(ctx, testFrame(jobID, i, status)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, h)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/jobs/"+jobID+"/stream", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if len(msgs) != 1 || msgs[0].ID != "3" {
		t.Fatalf("expected only seq 3, got %+v", msgs)
	}
}

func TestHandler_InvalidCursor(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	ts := setupTestServer(store, h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/job-x/stream?after=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_SequenceDedup(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-dedup"
	ctx := context.Background()

	if err := store.Append(ctx, testFrame(jobID, 1, frame.StatusQueued)); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, testFrame(jobID, 2, frame.StatusRunning)); err != nil {
		t.Fatal(err)
	}

	ts := setupTestServer(store, h)
	defer ts.Close()

	result := streamAsync(t, ts.URL+"/api/jobs/"+jobID+"/stream")
	waitForSubscriber(t, h, jobID)

	// Overlap with the stored frames, then extend.
	h.Publish(testFrame(jobID, 1, frame.StatusQueued))
	h.Publish(testFrame(jobID, 2, frame.StatusRunning))
	h.Publish(testFrame(jobID, 3, frame.StatusRunning))
	h.Publish(testFrame(jobID, 4, frame.StatusDone))

	msgs := parseSSEMessages(<-result)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (2 replay + 2 live), got %d", len(msgs))
	}

	expected := []string{"1", "2", "3", "4"}
	for i, exp := range expected {
		if msgs[i].ID != exp {
			t.Errorf("message %d: expected id %s, got %s", i, exp, msgs[i].ID)
		}
	}
}

func TestHandler_HeartbeatSent(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-heartbeat"

	ts := setupTestServer(store, h, sse.WithHeartbeat(20*time.Millisecond))
	defer ts.Close()

	result := streamAsync(t, ts.URL+"/api/jobs/"+jobID+"/stream")
	waitForSubscriber(t, h, jobID)

	time.Sleep(100 * time.Millisecond)
	h.Publish(testFrame(jobID, 1, frame.StatusDone))

	raw := <-result
	if !strings.Contains(raw, ": ping") {
		t.Errorf("expected heartbeat ': ping' in body, got: %s", raw)
	}

	msgs := parseSSEMessages(raw)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 status message, got %d", len(msgs))
	}
}

func TestHandler_ClientDisconnect(t *testing.T) {
	store := hub.NewMemFrameStore()
	h := newCountingHub()
	defer h.Close()

	jobID := "job-disconnect"

	ts := setupTestServer(store, h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/jobs/"+jobID+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	waitForSubscriber(t, h, jobID)

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.subscribers(jobID) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not release its subscription after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
