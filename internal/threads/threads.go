// Package threads maintains the chat → reasoning-service thread mapping.
// The mapping is the conversation's memory: losing it starts the assistant
// from a blank context, so it lives in the shared Redis instance rather than
// process memory. All mutation happens under the chat's lock (the caller's
// responsibility), which is what makes resolve-then-create race-free.
package threads

import (
	"context"
	"fmt"
	"time"
)

// Record is one chat's thread mapping.
type Record struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists chat → Record mappings.
type Store interface {
	Get(ctx context.Context, chatID int64) (Record, bool, error)
	Put(ctx context.Context, chatID int64, rec Record) error
	Delete(ctx context.Context, chatID int64) error
	All(ctx context.Context) (map[int64]Record, error)
}

// Creator is the single reasoning-service operation the registry needs.
type Creator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Registry resolves a chat's thread, creating one on first contact and
// recreating it when the stored mapping is stale or has been invalidated.
type Registry struct {
	store   Store
	creator Creator
	maxAge  time.Duration // 0 disables staleness recreation
}

// NewRegistry creates a Registry. maxAge of 0 keeps threads forever.
func NewRegistry(store Store, creator Creator, maxAge time.Duration) *Registry {
	return &Registry{store: store, creator: creator, maxAge: maxAge}
}

// ResolveOrCreate returns the chat's thread id, creating a thread upstream
// when no usable mapping exists. The mapping is stored before the id is
// returned. created reports whether a new thread was made on this call.
//
// Callers must hold the chat's lock; the registry itself does not guard
// against two concurrent creations for one chat.
func (r *Registry) ResolveOrCreate(ctx context.Context, chatID int64) (threadID string, created bool, err error) {
	rec, ok, err := r.store.Get(ctx, chatID)
	if err != nil {
		return "", false, fmt.Errorf("threads: lookup chat %d: %w", chatID, err)
	}
	if ok && !r.stale(rec) {
		return rec.ThreadID, false, nil
	}

	id, err := r.creator.CreateThread(ctx)
	if err != nil {
		return "", false, fmt.Errorf("threads: create for chat %d: %w", chatID, err)
	}
	rec = Record{ThreadID: id, CreatedAt: time.Now().UTC()}
	if err := r.store.Put(ctx, chatID, rec); err != nil {
		return "", false, fmt.Errorf("threads: save mapping for chat %d: %w", chatID, err)
	}
	return id, true, nil
}

// Invalidate drops the chat's mapping after the reasoning service reported
// the thread invalid. The next ResolveOrCreate builds a replacement; the
// in-flight message is the caller's to retry, not to drop.
func (r *Registry) Invalidate(ctx context.Context, chatID int64) error {
	if err := r.store.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("threads: invalidate chat %d: %w", chatID, err)
	}
	return nil
}

// Reset drops the chat's mapping on user request (the /new command). The
// next message starts a fresh conversation context.
func (r *Registry) Reset(ctx context.Context, chatID int64) error {
	if err := r.store.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("threads: reset chat %d: %w", chatID, err)
	}
	return nil
}

// SweepOlderThan removes mappings whose thread is older than age, returning
// how many were pruned. Used by the maintenance schedule; affected chats get
// a fresh thread on next contact.
func (r *Registry) SweepOlderThan(ctx context.Context, age time.Duration) (int, error) {
	all, err := r.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("threads: sweep: %w", err)
	}
	cutoff := time.Now().Add(-age)
	pruned := 0
	for chatID, rec := range all {
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, chatID); err != nil {
			return pruned, fmt.Errorf("threads: sweep chat %d: %w", chatID, err)
		}
		pruned++
	}
	return pruned, nil
}

func (r *Registry) stale(rec Record) bool {
	return r.maxAge > 0 && time.Since(rec.CreatedAt) > r.maxAge
}
