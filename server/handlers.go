package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/jobwatch/bus"
	"github.com/petal-labs/jobwatch/frame"
)

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	JobID    string         `json:"job_id,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatusRequest is the body of POST /api/jobs/{job_id}/status.
type StatusRequest struct {
	Status   frame.Status   `json:"status"`
	Stage    string         `json:"stage,omitempty"`
	Progress *float64       `json:"progress,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// JobResponse is a job record plus its most recent frame.
type JobResponse struct {
	JobRecord
	Latest *frame.StatusFrame `json:"latest,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListJobs returns all registered jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	records, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []JobRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCreateJob registers a job. The body is optional; an id is generated
// when none is given.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if ok := decodeBody(w, r, &req, true); !ok {
		return
	}

	id := strings.TrimSpace(req.JobID)
	if id == "" {
		id = uuid.New().String()
	}

	rec := JobRecord{
		ID:        id,
		Title:     req.Title,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.jobs.Create(r.Context(), rec); err != nil {
		if errors.Is(err, ErrJobExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("job %q already exists", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.logger.Info("job created", "job_id", id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleGetJob returns a job and its latest frame.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	rec, ok, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %q not found", id))
		return
	}

	latest, err := s.latestFrame(r, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{JobRecord: rec, Latest: latest})
}

// handleListFrames returns journaled frames, optionally after a cursor.
func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")

	var (
		after uint64
		limit int
		err   error
	)
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "after must be a non-negative integer")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
	}

	frames, err := s.frames.List(r.Context(), id, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if frames == nil {
		frames = []frame.StatusFrame{}
	}
	writeJSON(w, http.StatusOK, frames)
}

// handlePublishStatus assigns the next sequence id and a timestamp to the
// posted update, journals it, and fans it out.
func (s *Server) handlePublishStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")

	var req StatusRequest
	if ok := decodeBody(w, r, &req, false); !ok {
		return
	}

	_, ok, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %q not found", id))
		return
	}

	f := frame.StatusFrame{
		JobID:    id,
		Status:   req.Status,
		Stage:    req.Stage,
		Progress: req.Progress,
		Payload:  req.Payload,
	}
	if err := frame.Validate(f); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FRAME", err.Error())
		return
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	latest, err := s.latestFrame(r, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if latest != nil {
		if latest.Status.IsTerminal() {
			writeError(w, http.StatusConflict, "JOB_FINISHED",
				fmt.Sprintf("job %q already reported %s", id, latest.Status))
			return
		}
		s.seq.Seed(id, latest.SequenceID)
	}

	f.SequenceID = s.seq.Next(id)
	f.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if err := s.frames.Append(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	s.publish(f)

	s.logger.Debug("frame published", "job_id", id, "seq", f.SequenceID, "status", f.Status.String())
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) publish(f frame.StatusFrame) {
	if s.throttle != nil {
		s.throttle.Publish(f)
	} else {
		s.hub.Publish(f)
	}
	if s.bus != nil {
		bus.Publish(s.bus, TopicFramePublished, f)
	}
}

func (s *Server) latestFrame(r *http.Request, jobID string) (*frame.StatusFrame, error) {
	seq, err := s.frames.LatestSeq(r.Context(), jobID)
	if err != nil || seq == 0 {
		return nil, err
	}
	frames, err := s.frames.List(r.Context(), jobID, seq-1, 1)
	if err != nil || len(frames) == 0 {
		return nil, err
	}
	return &frames[0], nil
}

// decodeBody decodes a JSON body into v and writes the error response on
// failure. An empty body is accepted when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return true
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "request body is required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return false
	}
	return true
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
