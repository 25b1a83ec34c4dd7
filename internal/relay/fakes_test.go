package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ap-development/medrelay/internal/lock"
	"github.com/ap-development/medrelay/internal/store"
)

// fakeLocks is an in-process stand-in for the Redis lock service with real
// mutual-exclusion semantics.
type fakeLocks struct {
	mu         sync.Mutex
	held       map[int64]bool
	acquireErr error // returned on every acquire when set
	busyAlways bool

	acquires atomic.Int32
	releases atomic.Int32
	renews   atomic.Int32
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[int64]bool)}
}

func (f *fakeLocks) Acquire(ctx context.Context, chatID int64, lease time.Duration) (Lease, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busyAlways || f.held[chatID] {
		return nil, lock.ErrBusy
	}
	f.held[chatID] = true
	f.acquires.Add(1)
	return &fakeLease{locks: f, chatID: chatID}, nil
}

type fakeLease struct {
	locks  *fakeLocks
	chatID int64
}

func (l *fakeLease) Renew(ctx context.Context, extension time.Duration) error {
	l.locks.renews.Add(1)
	return nil
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.locks.mu.Lock()
	defer l.locks.mu.Unlock()
	if !l.locks.held[l.chatID] {
		return lock.ErrNotHeld
	}
	delete(l.locks.held, l.chatID)
	l.locks.releases.Add(1)
	return nil
}

// fakeDriver returns scripted results and tracks concurrent executions.
type fakeDriver struct {
	mu      sync.Mutex
	script  []turnResult // consumed front to back; empty falls back to reply
	reply   string
	delay   time.Duration
	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
	threads []string // thread ids seen, in call order
}

type turnResult struct {
	reply string
	err   error
}

func (f *fakeDriver) ExecuteTurn(ctx context.Context, threadID, input string) (string, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = append(f.threads, threadID)
	if len(f.script) > 0 {
		res := f.script[0]
		f.script = f.script[1:]
		return res.reply, res.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "ok", nil
}

// fakeSink records storage calls in memory.
type fakeSink struct {
	mu        sync.Mutex
	users     []store.UserProfile
	turns     []store.Turn
	recordErr error
}

func (f *fakeSink) UpsertUser(ctx context.Context, p store.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, p)
	return nil
}

func (f *fakeSink) RecordTurn(ctx context.Context, t store.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.turns = append(f.turns, t)
	return nil
}

func (f *fakeSink) allTurns() []store.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Turn, len(f.turns))
	copy(out, f.turns)
	return out
}

// turnsFor returns the chat's turns as "in:text" / "out:text" in order.
func (f *fakeSink) turnsFor(chatID int64) []string {
	var out []string
	for _, t := range f.allTurns() {
		if t.ChatID != chatID {
			continue
		}
		dir := "in"
		if t.Direction == 1 {
			dir = "out"
		}
		out = append(out, fmt.Sprintf("%s:%s", dir, t.Text))
	}
	return out
}

// fakeDeduper remembers keys in process memory.
type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]bool)}
}

func (f *fakeDeduper) Once(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
