package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/jobwatch/frame"
)

// MemFrameStore is a thread-safe in-memory frame store.
type MemFrameStore struct {
	mu     sync.RWMutex
	frames map[string][]frame.StatusFrame // jobID -> frames
}

// NewMemFrameStore creates a new in-memory frame store.
func NewMemFrameStore() *MemFrameStore {
	return &MemFrameStore{
		frames: make(map[string][]frame.StatusFrame),
	}
}

func (s *MemFrameStore) Append(_ context.Context, f frame.StatusFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := append(s.frames[f.JobID], f)
	// Appends are normally in order; keep List ordered if a late frame lands.
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].SequenceID < frames[j].SequenceID
	})
	s.frames[f.JobID] = frames
	return nil
}

func (s *MemFrameStore) List(_ context.Context, jobID string, afterSeq uint64, limit int) ([]frame.StatusFrame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []frame.StatusFrame
	for _, f := range s.frames[jobID] {
		if afterSeq > 0 && f.SequenceID <= afterSeq {
			continue
		}
		result = append(result, f)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemFrameStore) LatestSeq(_ context.Context, jobID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, f := range s.frames[jobID] {
		if f.SequenceID > maxSeq {
			maxSeq = f.SequenceID
		}
	}
	return maxSeq, nil
}

// Compile-time interface check.
var _ FrameStore = (*MemFrameStore)(nil)
