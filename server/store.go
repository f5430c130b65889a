package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
)

// JobRecord represents a registered job.
type JobRecord struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobStore keeps the jobs the relay accepts frames for.
type JobStore interface {
	List(ctx context.Context) ([]JobRecord, error)
	Get(ctx context.Context, id string) (JobRecord, bool, error)
	Create(ctx context.Context, rec JobRecord) error
}

// MemoryJobStore is a thread-safe in-memory JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]JobRecord
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]JobRecord)}
}

func (s *MemoryJobStore) List(_ context.Context) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (JobRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	return rec, ok, nil
}

func (s *MemoryJobStore) Create(_ context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[rec.ID]; ok {
		return ErrJobExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.jobs[rec.ID] = rec
	return nil
}
