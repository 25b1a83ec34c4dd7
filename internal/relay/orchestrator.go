package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ap-development/medrelay/internal/assistant"
	"github.com/ap-development/medrelay/internal/lock"
	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/models"
	"github.com/ap-development/medrelay/internal/store"
	"github.com/ap-development/medrelay/internal/transport"
)

// Turn states, reported in logs while a turn moves through the machine.
const (
	StateIdle            = "idle"
	StateLockAcquiring   = "lock_acquiring"
	StateThreadResolving = "thread_resolving"
	StateRunning         = "running"
	StatePersisting      = "persisting"
	StateRetrying        = "retrying"
	StateDone            = "done"
	StateFailed          = "failed"
)

// Lease is the held-lock surface a turn drives.
type Lease interface {
	Renew(ctx context.Context, extension time.Duration) error
	Release(ctx context.Context) error
}

// Locks hands out per-chat leases. The concrete lock service returns its own
// lease type, so it plugs in through WrapLocks.
type Locks interface {
	Acquire(ctx context.Context, chatID int64, lease time.Duration) (Lease, error)
}

// WrapLocks adapts the Redis lock service to the Locks interface.
func WrapLocks(svc *lock.Service) Locks { return lockWrapper{svc: svc} }

type lockWrapper struct{ svc *lock.Service }

func (w lockWrapper) Acquire(ctx context.Context, chatID int64, lease time.Duration) (Lease, error) {
	l, err := w.svc.Acquire(ctx, chatID, lease)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ThreadRegistry resolves and recycles per-chat conversation threads.
// *threads.Registry satisfies it.
type ThreadRegistry interface {
	ResolveOrCreate(ctx context.Context, chatID int64) (threadID string, created bool, err error)
	Invalidate(ctx context.Context, chatID int64) error
	Reset(ctx context.Context, chatID int64) error
}

// TurnDriver executes one conversational turn against a thread.
// *assistant.Driver satisfies it.
type TurnDriver interface {
	ExecuteTurn(ctx context.Context, threadID, input string) (string, error)
}

// Sink records conversation traffic. *store.Store satisfies it.
type Sink interface {
	UpsertUser(ctx context.Context, p store.UserProfile) error
	RecordTurn(ctx context.Context, t store.Turn) error
}

// Sender delivers reply text to the chat platform.
type Sender interface {
	Send(ctx context.Context, msg transport.Outbound) (int64, error)
}

// Policy bounds the orchestrator's retries and sizes the lock lease.
type Policy struct {
	Lease           time.Duration // must exceed the driver's run deadline
	LockAttempts    int           // acquire retries on lock-store errors (not Busy)
	LockBackoff     time.Duration
	TurnAttempts    int // resolve+run attempts before Failed
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Lease <= 0 {
		p.Lease = 210 * time.Second
	}
	if p.LockAttempts <= 0 {
		p.LockAttempts = 3
	}
	if p.LockBackoff <= 0 {
		p.LockBackoff = 250 * time.Millisecond
	}
	if p.TurnAttempts <= 0 {
		p.TurnAttempts = 3
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 500 * time.Millisecond
	}
	if p.RetryBackoffMax < p.RetryBackoff {
		p.RetryBackoffMax = 8 * time.Second
	}
	return p
}

// FatalError marks a turn that exhausted its options. The daemon answers it
// with a single apology message.
type FatalError struct {
	ChatID   int64
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("relay: turn for chat %d failed after %d attempt(s): %v", e.ChatID, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Orchestrator runs the per-turn state machine: acquire the chat lock,
// resolve the thread, drive the run, persist and deliver the reply, release
// the lock. One instance serves all chats; per-chat serialization comes from
// the lock, not from the orchestrator.
type Orchestrator struct {
	locks    Locks
	registry ThreadRegistry
	driver   TurnDriver
	sink     Sink
	sender   Sender
	policy   Policy
	log      *logging.Logger
}

// OrchestratorOpts holds parameters for NewOrchestrator.
type OrchestratorOpts struct {
	Locks    Locks
	Registry ThreadRegistry
	Driver   TurnDriver
	Sink     Sink
	Sender   Sender
	Policy   Policy
	Logger   *logging.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts OrchestratorOpts) (*Orchestrator, error) {
	if opts.Locks == nil {
		return nil, errors.New("relay: locks are required")
	}
	if opts.Registry == nil {
		return nil, errors.New("relay: thread registry is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("relay: turn driver is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("relay: sink is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("relay: sender is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		locks:    opts.Locks,
		registry: opts.Registry,
		driver:   opts.Driver,
		sink:     opts.Sink,
		sender:   opts.Sender,
		policy:   opts.Policy.withDefaults(),
		log:      log,
	}, nil
}

// ProcessTurn pushes one turn through to the reply. It returns lock.ErrBusy
// when another execution holds the chat (the caller decides between requeue
// and drop), a *FatalError when the turn is lost, and nil once the reply is
// delivered and recorded. The lock is released exactly once on every path.
func (o *Orchestrator) ProcessTurn(ctx context.Context, chatID int64, input string) error {
	log := o.log.With("chat_id", chatID)
	log.Debug("turn start", "state", StateLockAcquiring)

	lease, err := o.acquireLock(ctx, chatID)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return err
		}
		log.Warn("turn failed before lock", "state", StateFailed, "error", err)
		return &FatalError{ChatID: chatID, Err: err}
	}

	// Release exactly once, on every exit path. A release that finds the
	// lease already expired is a logged no-op.
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				log.Warn("lock release", "error", err)
			}
		})
	}
	defer release()

	// Renew once at half-lease so a slow run cannot outlive the lock and
	// admit a second orchestration onto the same thread.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go o.renewOnce(renewCtx, lease, log)

	reply, attempts, err := o.executeWithRetries(ctx, chatID, input, log)
	if err != nil {
		log.Warn("turn failed", "state", StateFailed, "attempts", attempts, "error", err)
		return &FatalError{ChatID: chatID, Attempts: attempts, Err: err}
	}

	log.Debug("turn reply", "state", StatePersisting, "attempts", attempts)
	o.deliverAndPersist(ctx, chatID, reply, log)
	release()
	log.Debug("turn done", "state", StateDone)
	return nil
}

// acquireLock takes the chat lock, retrying transient lock-store errors a
// bounded number of times. Busy is returned immediately; proceeding without
// the lock is never an option.
func (o *Orchestrator) acquireLock(ctx context.Context, chatID int64) (Lease, error) {
	var lastErr error
	for attempt := 0; attempt < o.policy.LockAttempts; attempt++ {
		lease, err := o.locks.Acquire(ctx, chatID, o.policy.Lease)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, lock.ErrBusy) {
			return nil, err
		}
		lastErr = err
		if !sleepCtx(ctx, jittered(o.policy.LockBackoff, attempt, o.policy.RetryBackoffMax)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("relay: lock store unavailable: %w", lastErr)
}

// executeWithRetries drives ThreadResolving → Running with the unified retry
// policy: transient failures consume an attempt and back off with jitter; a
// thread the service no longer recognizes is rebuilt once per turn without
// consuming an attempt. A second invalidation in the same turn is fatal — a
// freshly created thread the service rejects means something structural is
// wrong, not something a loop fixes.
func (o *Orchestrator) executeWithRetries(ctx context.Context, chatID int64, input string, log *logging.Logger) (reply string, attempts int, err error) {
	recovered := false
	var lastErr error
	for attempts = 1; attempts <= o.policy.TurnAttempts; attempts++ {
		log.Debug("resolving thread", "state", StateThreadResolving, "attempt", attempts)
		threadID, created, err := o.registry.ResolveOrCreate(ctx, chatID)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", attempts, ctx.Err()
			}
			log.Debug("thread resolution retry", "state", StateRetrying, "error", err)
			if !sleepCtx(ctx, jittered(o.policy.RetryBackoff, attempts-1, o.policy.RetryBackoffMax)) {
				return "", attempts, ctx.Err()
			}
			continue
		}
		if created {
			log.Info("thread created", "thread_id", threadID)
		}

		log.Debug("running", "state", StateRunning, "thread_id", threadID, "attempt", attempts)
		reply, err := o.driver.ExecuteTurn(ctx, threadID, input)
		if err == nil {
			return reply, attempts, nil
		}
		lastErr = err

		var invalid *assistant.ThreadInvalidError
		if errors.As(err, &invalid) {
			if recovered {
				return "", attempts, fmt.Errorf("relay: replacement thread also invalid: %w", err)
			}
			recovered = true
			log.Warn("thread invalidated upstream, recreating", "thread_id", threadID)
			if ierr := o.registry.Invalidate(ctx, chatID); ierr != nil {
				return "", attempts, ierr
			}
			attempts-- // recovery, not a retry
			continue
		}
		if !assistant.IsRetryable(err) {
			return "", attempts, err
		}
		if ctx.Err() != nil {
			return "", attempts, ctx.Err()
		}
		log.Debug("run retry", "state", StateRetrying, "error", err)
		if !sleepCtx(ctx, jittered(o.policy.RetryBackoff, attempts-1, o.policy.RetryBackoffMax)) {
			return "", attempts, ctx.Err()
		}
	}
	return "", o.policy.TurnAttempts, lastErr
}

// deliverAndPersist sends the reply and records the outbound row. Neither
// failure aborts the turn: the reply (when delivered) reached the user, and
// the lock must not be held hostage by a storage hiccup.
func (o *Orchestrator) deliverAndPersist(ctx context.Context, chatID int64, reply string, log *logging.Logger) {
	var externalID *int64
	msgID, err := o.sender.Send(ctx, transport.Outbound{ChatID: chatID, Text: reply})
	if err != nil {
		log.Error("reply delivery", "error", err)
	} else if msgID != 0 {
		externalID = &msgID
	}
	if err := o.sink.RecordTurn(ctx, store.Turn{
		ChatID:     chatID,
		Direction:  models.DirectionOut,
		ExternalID: externalID,
		Text:       reply,
	}); err != nil {
		log.Error("outbound persist", "error", err)
	}
}

// renewOnce extends the lease a single time at its halfway point. ErrLost
// means another execution took over after expiry; the run keeps going (the
// turn is already in flight) but the event is worth a loud log line.
func (o *Orchestrator) renewOnce(ctx context.Context, lease Lease, log *logging.Logger) {
	timer := time.NewTimer(o.policy.Lease / 2)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := lease.Renew(ctx, o.policy.Lease); err != nil {
		if errors.Is(err, lock.ErrLost) {
			log.Error("lease lost mid-run")
			return
		}
		log.Warn("lease renewal", "error", err)
	}
}

// jittered returns base doubled per attempt, capped at max, with ±25% jitter.
func jittered(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max {
		d = max
	}
	j := 0.75 + rand.Float64()/2
	return time.Duration(float64(d) * j)
}

// sleepCtx sleeps for d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
