package stream

import "github.com/petal-labs/jobwatch/frame"

// State is the lifecycle state of a channel.
type State int32

const (
	// StateConnecting is the initial state while the request is in flight.
	StateConnecting State = iota

	// StateOpen means the relay accepted the request and frames may arrive.
	StateOpen

	// StateClosed is terminal. It is reached by cancellation, a failed open,
	// the relay ending the stream, or a network error.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Drop reasons reported to Observer.FrameDropped.
const (
	DropMalformed = "malformed"
	DropMisrouted = "misrouted"
	DropClosed    = "closed"
)

// Observer is notified about channel activity. Methods are called on the
// channel's reader goroutine, except for the transition to StateClosed caused
// by Close, which runs on the caller's goroutine. Implementations must be
// safe for concurrent use across channels.
type Observer interface {
	StateChanged(jobID string, from, to State)
	FrameDelivered(jobID string, f frame.StatusFrame)
	FrameDropped(jobID string, reason string)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(string, State, State)        {}
func (NopObserver) FrameDelivered(string, frame.StatusFrame) {}
func (NopObserver) FrameDropped(string, string)              {}

var _ Observer = NopObserver{}
