// Package frame defines the status frames pushed by a job producer to stream
// clients. A frame is one unit of job-lifecycle information; frames for a job
// are ordered by a producer-assigned sequence id.
package frame

import (
	"time"
)

// Status is a job lifecycle state label. The transport treats it as opaque;
// producers may send values outside the known set below.
type Status string

const (
	// StatusQueued is reported when a job has been accepted but not started.
	StatusQueued Status = "queued"

	// StatusRunning is reported while a job is executing.
	StatusRunning Status = "running"

	// StatusDone is reported when a job finished successfully.
	StatusDone Status = "done"

	// StatusFailed is reported when a job finished with an error.
	StatusFailed Status = "failed"

	// StatusCancelled is reported when a job was cancelled before finishing.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further frames are expected after s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StatusFrame is a single status update for a job.
type StatusFrame struct {
	// SequenceID orders frames within a job. It is assigned by the producer
	// and increases monotonically, but clients may observe gaps or replays.
	SequenceID uint64 `json:"sequence_id"`

	// JobID identifies the owning job.
	JobID string `json:"job_id"`

	// Status is the lifecycle state label.
	Status Status `json:"status"`

	// Stage is an optional human-readable sub-phase.
	Stage string `json:"stage,omitempty"`

	// Progress is an optional completion ratio in [0,1].
	Progress *float64 `json:"progress,omitempty"`

	// Payload is producer-defined data.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is an ISO-8601 string from the producer clock.
	Timestamp string `json:"timestamp"`
}

// New creates a frame for jobID stamped with the current UTC time.
func New(jobID string, status Status) StatusFrame {
	return StatusFrame{
		JobID:     jobID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// WithStage sets the stage label on the frame.
func (f StatusFrame) WithStage(stage string) StatusFrame {
	f.Stage = stage
	return f
}

// WithProgress sets the progress ratio on the frame.
func (f StatusFrame) WithProgress(p float64) StatusFrame {
	f.Progress = &p
	return f
}

// WithPayload adds a key-value pair to the frame payload.
func (f StatusFrame) WithPayload(key string, value any) StatusFrame {
	if f.Payload == nil {
		f.Payload = make(map[string]any)
	}
	f.Payload[key] = value
	return f
}

// Time parses Timestamp. It returns the zero time when the timestamp is
// empty or not RFC 3339.
func (f StatusFrame) Time() time.Time {
	if f.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
