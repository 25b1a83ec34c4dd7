package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoReply reports a completed run that produced no assistant text. It is
// fatal: surfacing it beats silently sending the user an empty message.
var ErrNoReply = errors.New("assistant: run completed without a reply")

// APIError captures a non-2xx response from the reasoning service.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// ThreadInvalidError reports that the service no longer recognizes a thread
// id. It is recoverable: the thread registry invalidates the mapping and the
// turn retries on a replacement thread.
type ThreadInvalidError struct {
	ThreadID string
	Err      error
}

func (e *ThreadInvalidError) Error() string {
	return fmt.Sprintf("assistant: thread %s invalid: %v", e.ThreadID, e.Err)
}

func (e *ThreadInvalidError) Unwrap() error { return e.Err }

// RunFailureError reports a run that reached a non-completed terminal state
// or the driver's deadline.
type RunFailureError struct {
	ThreadID  string
	RunID     string
	Status    string // terminal status, or "deadline_exceeded"
	Code      string // service error code, when reported
	Message   string
	Retryable bool
}

func (e *RunFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("assistant: run %s on thread %s ended %s (%s: %s)",
			e.RunID, e.ThreadID, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("assistant: run %s on thread %s ended %s", e.RunID, e.ThreadID, e.Status)
}

// IsRetryable reports whether a turn that failed with err is worth retrying
// on the same thread. Thread invalidation is not retryable here — it has its
// own recovery path — and an empty reply is terminal by design.
func IsRetryable(err error) bool {
	var runErr *RunFailureError
	if errors.As(err, &runErr) {
		return runErr.Retryable
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var threadErr *ThreadInvalidError
	if errors.As(err, &threadErr) {
		return false
	}
	if errors.Is(err, ErrNoReply) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport-level failures (DNS, resets, timeouts) are transient.
	return true
}

// retryableRunCode reports whether a terminal run's error code is worth a
// retry. Input the service rejected will be rejected again.
func retryableRunCode(code string) bool {
	return !strings.HasPrefix(code, "invalid_")
}
