// Package stream opens server-push channels that carry status frames for a
// single job and hands each parsed frame to a caller-supplied sink.
//
// A channel is an HTTP GET against the relay's event-stream route. It is never
// retried: a failed open or a dropped connection moves the channel to
// StateClosed and the consumer observes silence. Reconnecting is the caller's
// decision.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/petal-labs/jobwatch/frame"
)

// Sink receives each successfully parsed frame of a channel, in arrival order,
// on the channel's reader goroutine.
type Sink func(f frame.StatusFrame)

// CancelFunc closes a channel. It is idempotent and may be called from inside
// the channel's sink. Outside the sink it waits for a delivery in progress, so
// callers must not hold a lock that the sink takes.
type CancelFunc func()

// ErrMissingBaseURL is returned by NewClient when Config.BaseURL is empty.
var ErrMissingBaseURL = errors.New("stream: base url is required")

// Config configures a Client.
type Config struct {
	// BaseURL is the relay root, e.g. "http://localhost:8080".
	BaseURL string

	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string

	// HTTPClient performs requests (default: a client without a timeout,
	// since channels are long-lived).
	HTTPClient *http.Client

	// Logger receives dropped-frame and channel-failure reports
	// (default: slog.Default()).
	Logger *slog.Logger

	// Observer is notified of state transitions and frame outcomes
	// (default: no-op).
	Observer Observer
}

// Client opens status channels and calls the relay's job API.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	logger   *slog.Logger
	observer Observer
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("stream: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("stream: unsupported base url scheme %q", base.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	return &Client{
		base:     base,
		token:    cfg.Token,
		http:     httpClient,
		logger:   logger,
		observer: observer,
	}, nil
}

// StreamJob opens exactly one channel for jobID and returns its cancel
// function. Open failures are not returned; they surface as a channel that
// closes without delivering anything.
func (c *Client) StreamJob(jobID string, sink Sink) CancelFunc {
	return c.Open(jobID, sink).Close
}

// Resume is StreamJob with a replay cursor: the relay sends only frames whose
// sequence id is greater than after.
func (c *Client) Resume(jobID string, after uint64, sink Sink) CancelFunc {
	return c.Open(jobID, sink, WithAfter(after)).Close
}

// Open is StreamJob returning the Stream itself, for callers that want to
// observe its state or wait for the reader to exit.
func (c *Client) Open(jobID string, sink Sink, opts ...OpenOption) *Stream {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := newStream(c, jobID, sink, o)
	go s.run()
	return s
}

// OpenOption customizes a single channel.
type OpenOption func(*openOptions)

type openOptions struct {
	after uint64
}

// WithAfter asks the relay to replay only frames with a sequence id greater
// than seq.
func WithAfter(seq uint64) OpenOption {
	return func(o *openOptions) {
		o.after = seq
	}
}

// endpoint joins already-escaped path elements onto the base URL.
func (c *Client) endpoint(elem ...string) *url.URL {
	return c.base.JoinPath(elem...)
}

func jobPath(jobID string) string {
	return url.PathEscape(jobID)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
