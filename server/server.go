// Package server implements the jobwatch relay: an HTTP API that registers
// jobs, accepts status updates from an external producer, journals them, and
// fans them out to stream clients.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/jobwatch/bus"
	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/hub"
	"github.com/petal-labs/jobwatch/sse"
)

// TopicFramePublished is emitted on Config.Bus after a frame is journaled
// and handed to the hub.
const TopicFramePublished bus.Topic[frame.StatusFrame] = "frame-published"

// Config configures a Server instance.
type Config struct {
	Jobs   JobStore
	Frames hub.FrameStore
	Hub    hub.Hub

	// Bus receives TopicFramePublished. Optional.
	Bus *bus.Bus

	// Token enables bearer authentication on /api routes when non-empty.
	Token string

	// Coalesce enables a ThrottledPublisher in front of the hub.
	Coalesce time.Duration

	// Heartbeat overrides the SSE heartbeat interval.
	Heartbeat time.Duration

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the jobwatch relay HTTP API server.
type Server struct {
	jobs       JobStore
	frames     hub.FrameStore
	hub        hub.Hub
	bus        *bus.Bus
	token      string
	seq        *frame.Sequencer
	publishMu  sync.Mutex
	throttle   *hub.ThrottledPublisher
	stream     *sse.Handler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration. Missing
// stores and hub default to in-memory implementations.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = NewMemoryJobStore()
	}
	frames := cfg.Frames
	if frames == nil {
		frames = hub.NewMemFrameStore()
	}
	h := cfg.Hub
	if h == nil {
		h = hub.NewMemHub(hub.MemHubConfig{Logger: logger})
	}

	s := &Server{
		jobs:       jobs,
		frames:     frames,
		hub:        h,
		bus:        cfg.Bus,
		token:      cfg.Token,
		seq:        frame.NewSequencer(),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
	if cfg.Coalesce > 0 {
		s.throttle = hub.NewThrottledPublisher(h.Publish, hub.ThrottleConfig{CoalesceInterval: cfg.Coalesce})
	}
	s.stream = sse.NewHandler(frames, h, sse.WithHeartbeat(cfg.Heartbeat), sse.WithLogger(logger))
	return s
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.Wrap(mux)
}

// Wrap applies the relay middleware (auth, CORS, body limit) to a mux that
// already has the relay routes registered.
func (s *Server) Wrap(next http.Handler) http.Handler {
	handler := next
	handler = s.authMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts relay routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/status", s.handlePublishStatus)
	mux.HandleFunc("GET /api/jobs/{job_id}/frames", s.handleListFrames)
	mux.Handle("GET /api/jobs/{job_id}/stream", s.stream)
}

// Close flushes any frame held by the coalescing publisher.
func (s *Server) Close() {
	if s.throttle != nil {
		s.throttle.Close()
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires "Authorization: Bearer <token>" on /api routes when
// a token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte(s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		got := extractBearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
