package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/jobwatch/frame"
)

// CreateJobRequest is the body of POST /api/jobs. All fields are optional;
// the relay generates an id when JobID is empty.
type CreateJobRequest struct {
	JobID    string         `json:"job_id,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatusUpdate is the body of POST /api/jobs/{job_id}/status. The relay
// assigns the sequence id and timestamp.
type StatusUpdate struct {
	Status   frame.Status   `json:"status"`
	Stage    string         `json:"stage,omitempty"`
	Progress *float64       `json:"progress,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Job is the relay's view of a job.
type Job struct {
	ID        string             `json:"id"`
	Title     string             `json:"title,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Latest    *frame.StatusFrame `json:"latest,omitempty"`
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("stream: relay returned %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// CreateJob registers a job with the relay and returns its id.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("api", "jobs").String(), req, &out); err != nil {
		return "", fmt.Errorf("stream: create job: %w", err)
	}
	return out.ID, nil
}

// GetJob fetches a job and its most recent frame.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	u := c.endpoint("api", "jobs", jobPath(jobID)).String()
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &job); err != nil {
		return Job{}, fmt.Errorf("stream: get job %s: %w", jobID, err)
	}
	return job, nil
}

// PublishStatus posts a status update for jobID and returns the frame the
// relay stored.
func (c *Client) PublishStatus(ctx context.Context, jobID string, update StatusUpdate) (frame.StatusFrame, error) {
	var f frame.StatusFrame
	u := c.endpoint("api", "jobs", jobPath(jobID), "status").String()
	if err := c.doJSON(ctx, http.MethodPost, u, update, &f); err != nil {
		return frame.StatusFrame{}, fmt.Errorf("stream: publish status for %s: %w", jobID, err)
	}
	return f, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var envelope struct {
		Error struct {
			Code    string   `json:"code"`
			Message string   `json:"message"`
			Details []string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
