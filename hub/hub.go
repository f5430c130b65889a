// Package hub distributes status frames from the relay to live stream
// handlers and keeps a per-job journal for replay. It is the producer-side
// counterpart of the stream client.
package hub

import "github.com/petal-labs/jobwatch/frame"

// Hub distributes frames to subscribers of a job.
type Hub interface {
	// Publish sends a frame to all subscribers of its job.
	Publish(f frame.StatusFrame)

	// Subscribe registers a subscriber for a specific job.
	// Returns a Subscription that must be closed when done.
	Subscribe(jobID string) Subscription

	// Close shuts down the hub and all subscriptions.
	Close() error
}

// Subscription receives frames.
type Subscription interface {
	// Frames returns a channel of frames for this subscription.
	Frames() <-chan frame.StatusFrame

	// Close unsubscribes and releases resources.
	Close() error
}
