package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformed is the sentinel wrapped by every ParseError.
var ErrMalformed = errors.New("frame: malformed status frame")

// ParseError describes why a raw frame was rejected.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: %s: %v", e.Reason, e.Err)
	}
	return "frame: " + e.Reason
}

// Unwrap lets errors.Is match ErrMalformed and the underlying decode error.
func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

// Parse decodes a JSON-encoded status frame and validates it. A frame that
// fails validation is never partially returned.
func Parse(data []byte) (StatusFrame, error) {
	var f StatusFrame
	if len(strings.TrimSpace(string(data))) == 0 {
		return StatusFrame{}, &ParseError{Reason: "empty payload"}
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return StatusFrame{}, &ParseError{Reason: "invalid json", Err: err}
	}
	if err := Validate(f); err != nil {
		return StatusFrame{}, err
	}
	return f, nil
}

// Validate checks the invariants of a decoded frame.
func Validate(f StatusFrame) error {
	if strings.TrimSpace(string(f.Status)) == "" {
		return &ParseError{Reason: "missing status"}
	}
	if f.Progress != nil {
		p := *f.Progress
		if math.IsNaN(p) || p < 0 || p > 1 {
			return &ParseError{Reason: fmt.Sprintf("progress %v out of range [0,1]", p)}
		}
	}
	if f.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, f.Timestamp); err != nil {
			return &ParseError{Reason: "invalid timestamp", Err: err}
		}
	}
	return nil
}
