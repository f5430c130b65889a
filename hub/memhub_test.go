package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/jobwatch/frame"
)

func watcherCount(h *MemHub, jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[jobID])
}

func TestMemHub_PublishSubscribe(t *testing.T) {
	h := NewMemHub(MemHubConfig{})
	defer h.Close()

	sub := h.Subscribe("job-1")
	defer sub.Close()

	h.Publish(frame.New("job-1", frame.StatusQueued))

	select {
	case received := <-sub.Frames():
		if received.Status != frame.StatusQueued {
			t.Errorf("got status %v, want %v", received.Status, frame.StatusQueued)
		}
		if received.JobID != "job-1" {
			t.Errorf("got JobID %q, want %q", received.JobID, "job-1")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestMemHub_FanOut(t *testing.T) {
	h := NewMemHub(MemHubConfig{})
	defer h.Close()

	sub1 := h.Subscribe("job-1")
	defer sub1.Close()
	sub2 := h.Subscribe("job-1")
	defer sub2.Close()
	sub3 := h.Subscribe("job-1")
	defer sub3.Close()

	h.Publish(frame.New("job-1", frame.StatusRunning))

	for i, sub := range []Subscription{sub1, sub2, sub3} {
		select {
		case f := <-sub.Frames():
			if f.Status != frame.StatusRunning {
				t.Errorf("sub%d: got status %v, want %v", i, f.Status, frame.StatusRunning)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub%d: timed out", i)
		}
	}
}

func TestMemHub_JobIsolation(t *testing.T) {
	h := NewMemHub(MemHubConfig{})
	defer h.Close()

	sub1 := h.Subscribe("job-1")
	defer sub1.Close()
	sub2 := h.Subscribe("job-2")
	defer sub2.Close()

	h.Publish(frame.New("job-1", frame.StatusQueued))

	select {
	case <-sub1.Frames():
	case <-time.After(time.Second):
		t.Fatal("sub1 should receive job-1 frames")
	}

	select {
	case <-sub2.Frames():
		t.Fatal("sub2 should NOT receive job-1 frames")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemHub_CloseDetachesSubscriber(t *testing.T) {
	h := NewMemHub(MemHubConfig{})
	defer h.Close()

	sub := h.Subscribe("job-1")
	if n := watcherCount(h, "job-1"); n != 1 {
		t.Fatalf("got %d watchers, want 1", n)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if n := watcherCount(h, "job-1"); n != 0 {
		t.Fatalf("got %d watchers after close, want 0", n)
	}

	// Publishing after subscription close should not panic.
	h.Publish(frame.New("job-1", frame.StatusQueued))
}

func TestMemHub_ClosedHubPublish(t *testing.T) {
	h := NewMemHub(MemHubConfig{})

	sub := h.Subscribe("job-1")
	h.Close()

	h.Publish(frame.New("job-1", frame.StatusQueued))

	select {
	case _, ok := <-sub.Frames():
		if ok {
			t.Fatal("expected channel to be closed after hub Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}

	late := h.Subscribe("job-1")
	if _, ok := <-late.Frames(); ok {
		t.Fatal("subscribing to a closed hub should return a closed channel")
	}
}

func TestMemHub_DefaultBufferSize(t *testing.T) {
	h := NewMemHub(MemHubConfig{})
	defer h.Close()

	if h.bufSize != 256 {
		t.Errorf("default buffer size = %d, want 256", h.bufSize)
	}
}

func TestMemHub_LaggingWatcherReleased(t *testing.T) {
	h := NewMemHub(MemHubConfig{SubscriberBufferSize: 2})
	defer h.Close()

	slow := h.Subscribe("job-1")
	defer slow.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		h.Publish(frame.StatusFrame{SequenceID: seq, JobID: "job-1", Status: frame.StatusRunning})
	}

	var got []uint64
	for f := range slow.Frames() {
		got = append(got, f.SequenceID)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("lagging watcher got %v, want [1 2] then close", got)
	}
	if n := watcherCount(h, "job-1"); n != 0 {
		t.Fatalf("lagging watcher still attached (%d watchers)", n)
	}

	// A fresh watcher is unaffected.
	fresh := h.Subscribe("job-1")
	defer fresh.Close()
	h.Publish(frame.StatusFrame{SequenceID: 6, JobID: "job-1", Status: frame.StatusRunning})
	select {
	case f := <-fresh.Frames():
		if f.SequenceID != 6 {
			t.Fatalf("got seq %d, want 6", f.SequenceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestMemHub_TerminalFrameReleasesWatchers(t *testing.T) {
	h := NewMemHub(MemHubConfig{})
	defer h.Close()

	a := h.Subscribe("job-1")
	b := h.Subscribe("job-1")
	other := h.Subscribe("job-2")
	defer other.Close()

	h.Publish(frame.StatusFrame{SequenceID: 1, JobID: "job-1", Status: frame.StatusRunning})
	h.Publish(frame.StatusFrame{SequenceID: 2, JobID: "job-1", Status: frame.StatusFailed})

	for i, sub := range []Subscription{a, b} {
		var got []frame.Status
		for f := range sub.Frames() {
			got = append(got, f.Status)
		}
		if len(got) != 2 || got[1] != frame.StatusFailed {
			t.Fatalf("watcher %d got %v, want running then failed", i, got)
		}
		if err := sub.Close(); err != nil {
			t.Fatalf("Close after release returned error: %v", err)
		}
	}
	if n := watcherCount(h, "job-1"); n != 0 {
		t.Fatalf("got %d watchers after terminal frame, want 0", n)
	}
	if n := watcherCount(h, "job-2"); n != 1 {
		t.Fatalf("other job lost its watcher (%d)", n)
	}
}

func TestMemHub_ConcurrentSubscribePublish(t *testing.T) {
	h := NewMemHub(MemHubConfig{SubscriberBufferSize: 100})
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := h.Subscribe("job-1")
			defer sub.Close()
			h.Publish(frame.New("job-1", frame.StatusRunning))
		}()
	}
	wg.Wait()

	if n := watcherCount(h, "job-1"); n != 0 {
		t.Errorf("got %d leftover watchers", n)
	}
}
