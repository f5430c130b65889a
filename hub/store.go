package hub

import (
	"context"

	"github.com/petal-labs/jobwatch/frame"
)

// FrameStore persists frames for replay.
type FrameStore interface {
	// Append stores a frame.
	Append(ctx context.Context, f frame.StatusFrame) error

	// List returns frames for a job ordered by sequence id.
	// afterSeq: return frames with SequenceID > afterSeq (0 means all)
	// limit: max frames to return (0 means no limit)
	List(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]frame.StatusFrame, error)

	// LatestSeq returns the highest SequenceID for a job (0 if none).
	LatestSeq(ctx context.Context, jobID string) (uint64, error)
}
