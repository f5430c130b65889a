package frame

import (
	"sync"
	"sync/atomic"
)

// Sequencer hands out monotonically increasing sequence ids per job.
type Sequencer struct {
	mu   sync.Mutex
	jobs map[string]*atomic.Uint64
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{jobs: make(map[string]*atomic.Uint64)}
}

// Next returns the next sequence id for jobID (1-indexed).
func (s *Sequencer) Next(jobID string) uint64 {
	return s.counter(jobID).Add(1)
}

// Seed makes the next id for jobID start after last. It never moves a
// counter backwards.
func (s *Sequencer) Seed(jobID string, last uint64) {
	c := s.counter(jobID)
	for {
		cur := c.Load()
		if cur >= last || c.CompareAndSwap(cur, last) {
			return
		}
	}
}

func (s *Sequencer) counter(jobID string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.jobs[jobID]
	if !ok {
		c = &atomic.Uint64{}
		s.jobs[jobID] = c
	}
	return c
}
