package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrSourceUnavailable = errors.New("video source unavailable")
	ErrBackendNotReady   = errors.New("detection backend not ready")
	ErrOCRBusy           = errors.New("text recognition already running")
	ErrNoRecognizer      = errors.New("no text recognizer configured")
	ErrAlreadyRunning    = errors.New("scheduler already running")
)

// RateLimitError reports an HTTP 429 from a remote backend
type RateLimitError struct {
	StatusCode int
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// BackendError is any non-429 backend failure
type BackendError struct {
	StatusCode int // 0 for transport failures
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API error: %d", e.StatusCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "analysis failed"
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ModelError is a single local model failure; sibling models are unaffected
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
