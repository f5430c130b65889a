package hub

import (
	"context"
	"log/slog"

	"github.com/petal-labs/jobwatch/frame"
)

// StoreSubscriber writes frames to a FrameStore. Its Handle method has the
// shape of a typed bus listener so it can journal frames seen by a consumer.
type StoreSubscriber struct {
	store  FrameStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store FrameStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single frame to the store.
func (s *StoreSubscriber) Handle(f frame.StatusFrame) {
	if err := s.store.Append(context.Background(), f); err != nil {
		s.logger.Error("failed to persist frame",
			"job_id", f.JobID,
			"status", f.Status,
			"seq", f.SequenceID,
			"error", err,
		)
	}
}
