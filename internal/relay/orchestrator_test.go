package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ap-development/medrelay/internal/assistant"
	"github.com/ap-development/medrelay/internal/lock"
	"github.com/ap-development/medrelay/internal/threads"
	"github.com/ap-development/medrelay/internal/transport"
)

// seqCreator hands out sequential thread ids.
type seqCreator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *seqCreator) CreateThread(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.calls++
	return fmt.Sprintf("thread-%d", c.calls), nil
}

func (c *seqCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testPolicy() Policy {
	return Policy{
		Lease:           500 * time.Millisecond,
		LockAttempts:    3,
		LockBackoff:     time.Millisecond,
		TurnAttempts:    3,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 5 * time.Millisecond,
	}
}

type orchFixture struct {
	orch    *Orchestrator
	locks   *fakeLocks
	driver  *fakeDriver
	sink    *fakeSink
	adapter *transport.MockAdapter
	creator *seqCreator
	store   *threads.MemoryStore
}

func newOrchFixture(t *testing.T, driver *fakeDriver) *orchFixture {
	t.Helper()
	locks := newFakeLocks()
	sink := &fakeSink{}
	adapter := transport.NewMockAdapter()
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock adapter: %v", err)
	}
	creator := &seqCreator{}
	memStore := threads.NewMemoryStore()
	orch, err := NewOrchestrator(OrchestratorOpts{
		Locks:    locks,
		Registry: threads.NewRegistry(memStore, creator, 0),
		Driver:   driver,
		Sink:     sink,
		Sender:   adapter,
		Policy:   testPolicy(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &orchFixture{
		orch: orch, locks: locks, driver: driver, sink: sink,
		adapter: adapter, creator: creator, store: memStore,
	}
}

func TestProcessTurn_Success(t *testing.T) {
	fx := newOrchFixture(t, &fakeDriver{reply: "hi there"})

	if err := fx.orch.ProcessTurn(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	sent, ok := fx.adapter.LastSent()
	if !ok || sent.Text != "hi there" {
		t.Errorf("sent = %+v, want reply %q", sent, "hi there")
	}
	turns := fx.sink.turnsFor(42)
	if len(turns) != 1 || turns[0] != "out:hi there" {
		t.Errorf("recorded turns = %v, want [out:hi there]", turns)
	}
	if got := fx.locks.releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1", got)
	}
}

func TestProcessTurn_Busy(t *testing.T) {
	driver := &fakeDriver{}
	fx := newOrchFixture(t, driver)
	fx.locks.busyAlways = true

	err := fx.orch.ProcessTurn(context.Background(), 42, "hello")
	if !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
	if driver.calls.Load() != 0 {
		t.Errorf("driver called %d times while busy, want 0", driver.calls.Load())
	}
}

func TestProcessTurn_LockStoreUnavailable(t *testing.T) {
	driver := &fakeDriver{}
	fx := newOrchFixture(t, driver)
	fx.locks.acquireErr = errors.New("connection refused")

	err := fx.orch.ProcessTurn(context.Background(), 42, "hello")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error = %v, want *FatalError", err)
	}
	// Never proceeds unlocked.
	if driver.calls.Load() != 0 {
		t.Errorf("driver called %d times without a lock, want 0", driver.calls.Load())
	}
}

func TestProcessTurn_BoundedRetryTermination(t *testing.T) {
	always := &assistant.RunFailureError{Status: "failed", Retryable: true}
	driver := &fakeDriver{script: []turnResult{{err: always}, {err: always}, {err: always}, {err: always}}}
	fx := newOrchFixture(t, driver)

	err := fx.orch.ProcessTurn(context.Background(), 42, "hello")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error = %v, want *FatalError", err)
	}
	if got := driver.calls.Load(); got != int32(testPolicy().TurnAttempts) {
		t.Errorf("driver calls = %d, want exactly %d", got, testPolicy().TurnAttempts)
	}
	if fatal.Attempts != testPolicy().TurnAttempts {
		t.Errorf("Attempts = %d, want %d", fatal.Attempts, testPolicy().TurnAttempts)
	}
	if got := fx.locks.releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1 on the failure path", got)
	}
}

func TestProcessTurn_FatalFailureNoRetry(t *testing.T) {
	driver := &fakeDriver{script: []turnResult{{err: fmt.Errorf("wrap: %w", assistant.ErrNoReply)}}}
	fx := newOrchFixture(t, driver)

	err := fx.orch.ProcessTurn(context.Background(), 42, "hello")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error = %v, want *FatalError", err)
	}
	if got := driver.calls.Load(); got != 1 {
		t.Errorf("driver calls = %d, want 1 for a fatal failure", got)
	}
}

func TestProcessTurn_ThreadRecovery(t *testing.T) {
	driver := &fakeDriver{script: []turnResult{
		{err: &assistant.ThreadInvalidError{ThreadID: "thread-1", Err: errors.New("404")}},
		{reply: "recovered"},
	}}
	fx := newOrchFixture(t, driver)

	if err := fx.orch.ProcessTurn(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if fx.creator.count() != 2 {
		t.Errorf("threads created = %d, want 2 (original + replacement)", fx.creator.count())
	}
	rec, ok, _ := fx.store.Get(context.Background(), 42)
	if !ok || rec.ThreadID != "thread-2" {
		t.Errorf("stored mapping = %+v, want thread-2", rec)
	}
	sent, _ := fx.adapter.LastSent()
	if sent.Text != "recovered" {
		t.Errorf("sent = %q, want %q", sent.Text, "recovered")
	}
}

func TestProcessTurn_ReplacementThreadAlsoInvalid(t *testing.T) {
	bad := func(id string) turnResult {
		return turnResult{err: &assistant.ThreadInvalidError{ThreadID: id, Err: errors.New("404")}}
	}
	driver := &fakeDriver{script: []turnResult{bad("thread-1"), bad("thread-2")}}
	fx := newOrchFixture(t, driver)

	err := fx.orch.ProcessTurn(context.Background(), 42, "hello")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error = %v, want *FatalError (recovery must not loop forever)", err)
	}
	if got := driver.calls.Load(); got != 2 {
		t.Errorf("driver calls = %d, want 2 (one recovery, then fatal)", got)
	}
}

func TestProcessTurn_PersistFailureStillSucceeds(t *testing.T) {
	fx := newOrchFixture(t, &fakeDriver{reply: "hi"})
	fx.sink.recordErr = errors.New("db down")

	if err := fx.orch.ProcessTurn(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("ProcessTurn = %v, want nil despite persist failure", err)
	}
	if got := fx.locks.releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1", got)
	}
	if _, ok := fx.adapter.LastSent(); !ok {
		t.Error("reply not delivered")
	}
}

func TestProcessTurn_MutualExclusion(t *testing.T) {
	driver := &fakeDriver{reply: "done", delay: 20 * time.Millisecond}
	fx := newOrchFixture(t, driver)

	var wg sync.WaitGroup
	var busy, ok int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fx.orch.ProcessTurn(context.Background(), 42, "hello")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, lock.ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := driver.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
	if ok+busy != 8 {
		t.Errorf("ok=%d busy=%d, want 8 total", ok, busy)
	}
	if ok < 1 {
		t.Error("no turn won the lock")
	}
}

func TestProcessTurn_RenewsOnLongRun(t *testing.T) {
	// Lease 100ms → renewal timer at 50ms; the run takes 120ms.
	locks := newFakeLocks()
	driver := &fakeDriver{reply: "slow", delay: 120 * time.Millisecond}
	adapter := transport.NewMockAdapter()
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pol := testPolicy()
	pol.Lease = 100 * time.Millisecond
	orch, err := NewOrchestrator(OrchestratorOpts{
		Locks:    locks,
		Registry: threads.NewRegistry(threads.NewMemoryStore(), &seqCreator{}, 0),
		Driver:   driver,
		Sink:     &fakeSink{},
		Sender:   adapter,
		Policy:   pol,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	if err := orch.ProcessTurn(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got := locks.renews.Load(); got != 1 {
		t.Errorf("renews = %d, want exactly 1", got)
	}
}
