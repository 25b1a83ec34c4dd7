// Package lock implements the per-chat lease mutex that serializes assistant
// runs. The reasoning service allows only one active run per conversation
// thread; this lock is the cross-process guard for that rule, backed by the
// shared Redis instance so every worker and every process instance observes
// the same holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "medrelay:lock:"

// releaseScript deletes the lock only when the caller still holds it, so a
// late release can never clear a lease re-acquired by another execution.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// renewScript extends the lease only for the current holder.
const renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

var (
	// ErrBusy reports that another holder's lease is unexpired. It is a
	// control signal for the caller's queueing policy, not a failure.
	ErrBusy = errors.New("lock: held by another holder")
	// ErrLost reports that a renewal found the lease expired or taken over.
	ErrLost = errors.New("lock: lease lost")
	// ErrNotHeld reports a release of a lease that already expired or was
	// taken over. Callers treat this as a no-op outcome.
	ErrNotHeld = errors.New("lock: not held")
)

// Client is the Redis command surface the lock service uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Service hands out per-chat leases.
type Service struct {
	rdb Client
}

// NewService creates a lock service over a Redis client.
func NewService(rdb Client) *Service {
	return &Service{rdb: rdb}
}

// Lease is a held lock. It is valid until ExpiresAt unless renewed; the
// holder token guards release and renewal against takeovers.
type Lease struct {
	svc       *Service
	ChatID    int64
	Token     string
	ExpiresAt time.Time
}

// Acquire takes the chat's lock for the given lease duration. It never
// blocks: if another holder's lease is unexpired it returns ErrBusy
// immediately. Any other error means the lock store could not be reached;
// the caller must not proceed without the lock.
func (s *Service) Acquire(ctx context.Context, chatID int64, lease time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key(chatID), token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire chat %d: %w", chatID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{
		svc:       s,
		ChatID:    chatID,
		Token:     token,
		ExpiresAt: time.Now().Add(lease),
	}, nil
}

// Renew extends the lease to run for extension from now. Returns ErrLost
// when the lease expired or another execution took the lock over; the caller
// must then treat its critical section as forfeited.
func (l *Lease) Renew(ctx context.Context, extension time.Duration) error {
	res, err := l.svc.rdb.Eval(ctx, renewScript,
		[]string{key(l.ChatID)}, l.Token, extension.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("lock: renew chat %d: %w", l.ChatID, err)
	}
	if n, _ := res.(int64); n != 1 {
		return ErrLost
	}
	l.ExpiresAt = time.Now().Add(extension)
	return nil
}

// Release deletes the lock if this lease still holds it. Returns ErrNotHeld
// when the lease already expired or was taken over, which callers log at
// most and otherwise ignore.
func (l *Lease) Release(ctx context.Context) error {
	res, err := l.svc.rdb.Eval(ctx, releaseScript,
		[]string{key(l.ChatID)}, l.Token).Result()
	if err != nil {
		return fmt.Errorf("lock: release chat %d: %w", l.ChatID, err)
	}
	if n, _ := res.(int64); n != 1 {
		return ErrNotHeld
	}
	return nil
}

func key(chatID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, chatID)
}
