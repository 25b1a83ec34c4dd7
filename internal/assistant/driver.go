package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Run statuses as reported by the service.
const (
	StatusQueued         = "queued"
	StatusInProgress     = "in_progress"
	StatusRequiresAction = "requires_action"
	StatusCancelling     = "cancelling"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
	StatusExpired        = "expired"
)

const (
	defaultRunDeadline = 3 * time.Minute
	defaultPollInitial = 500 * time.Millisecond
	defaultPollMax     = 5 * time.Second

	// messagePageSize is how far back we look for the run's reply.
	messagePageSize = 20
)

// Service is the slice of the API the driver needs. *Client satisfies it.
type Service interface {
	CreateMessage(ctx context.Context, threadID, role, text string) (string, error)
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

// DriverOpts tunes a Driver. Zero durations take defaults.
type DriverOpts struct {
	AssistantID string
	RunDeadline time.Duration
	PollInitial time.Duration
	PollMax     time.Duration
}

// Driver pushes one conversational turn through the append/run/poll
// lifecycle. It holds a single run per call; callers serialize turns per
// chat (the lock service does this) so a thread never carries two active
// runs.
type Driver struct {
	svc         Service
	assistantID string
	runDeadline time.Duration
	pollInitial time.Duration
	pollMax     time.Duration
}

// NewDriver builds a Driver on top of svc.
func NewDriver(svc Service, opts DriverOpts) (*Driver, error) {
	if svc == nil {
		return nil, errors.New("assistant: service is required")
	}
	if opts.AssistantID == "" {
		return nil, errors.New("assistant: assistant id is required")
	}
	d := &Driver{
		svc:         svc,
		assistantID: opts.AssistantID,
		runDeadline: opts.RunDeadline,
		pollInitial: opts.PollInitial,
		pollMax:     opts.PollMax,
	}
	if d.runDeadline <= 0 {
		d.runDeadline = defaultRunDeadline
	}
	if d.pollInitial <= 0 {
		d.pollInitial = defaultPollInitial
	}
	if d.pollMax < d.pollInitial {
		d.pollMax = defaultPollMax
	}
	return d, nil
}

// ExecuteTurn appends input to the thread, starts a run and polls it to a
// terminal status, then returns the run's reply text. Failures come back as
// RunFailureError, ThreadInvalidError or ErrNoReply so callers can decide
// between retrying, rebuilding the thread and giving up.
func (d *Driver) ExecuteTurn(ctx context.Context, threadID, input string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.runDeadline)
	defer cancel()

	if _, err := d.svc.CreateMessage(runCtx, threadID, "user", input); err != nil {
		return "", err
	}
	run, err := d.svc.CreateRun(runCtx, threadID, d.assistantID)
	if err != nil {
		return "", err
	}

	final, err := d.awaitRun(runCtx, threadID, run.ID)
	if err != nil {
		// The run may still be chewing server-side; stop it so the thread
		// is free for the next attempt.
		d.cancelQuietly(threadID, run.ID)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", &RunFailureError{
				ThreadID:  threadID,
				RunID:     run.ID,
				Status:    "deadline_exceeded",
				Message:   fmt.Sprintf("no terminal status within %s", d.runDeadline),
				Retryable: true,
			}
		}
		return "", err
	}

	switch final.Status {
	case StatusCompleted:
		return d.extractReply(runCtx, threadID, run.ID)
	case StatusRequiresAction:
		// The run wants tool output the relay does not provide. Leaving it
		// parked would block the thread until it expires.
		d.cancelQuietly(threadID, run.ID)
		return "", &RunFailureError{
			ThreadID:  threadID,
			RunID:     run.ID,
			Status:    final.Status,
			Message:   "run paused for tool output",
			Retryable: false,
		}
	default:
		failure := &RunFailureError{
			ThreadID:  threadID,
			RunID:     run.ID,
			Status:    final.Status,
			Retryable: true,
		}
		if final.LastError != nil {
			failure.Code = final.LastError.Code
			failure.Message = final.LastError.Message
			failure.Retryable = retryableRunCode(final.LastError.Code)
		}
		return "", failure
	}
}

// awaitRun polls the run until it leaves the active statuses, doubling the
// interval from pollInitial up to pollMax. A couple of consecutive transient
// poll errors are tolerated so a network blip does not abandon a long run.
func (d *Driver) awaitRun(ctx context.Context, threadID, runID string) (*Run, error) {
	interval := d.pollInitial
	misses := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		run, err := d.svc.GetRun(ctx, threadID, runID)
		switch {
		case err == nil:
			misses = 0
			if !activeStatus(run.Status) {
				return run, nil
			}
		case IsRetryable(err) && misses < 2:
			misses++
		default:
			return nil, err
		}
		interval = min(interval*2, d.pollMax)
		timer.Reset(interval)
	}
}

func activeStatus(status string) bool {
	switch status {
	case StatusQueued, StatusInProgress, StatusCancelling:
		return true
	}
	return false
}

// extractReply returns the text of the newest assistant message, preferring
// one authored by this run over older leftovers.
func (d *Driver) extractReply(ctx context.Context, threadID, runID string) (string, error) {
	msgs, err := d.svc.ListMessages(ctx, threadID, messagePageSize)
	if err != nil {
		return "", err
	}
	fallback := ""
	for _, m := range msgs { // newest first
		if m.Role != "assistant" {
			continue
		}
		text := m.Text()
		if text == "" {
			continue
		}
		if m.RunID == runID {
			return text, nil
		}
		if fallback == "" {
			fallback = text
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: thread %s, run %s", ErrNoReply, threadID, runID)
}

// cancelQuietly asks the service to stop a run without reporting failures;
// the run may already be terminal.
func (d *Driver) cancelQuietly(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.svc.CancelRun(ctx, threadID, runID)
}
