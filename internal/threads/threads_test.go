package threads

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeCreator hands out sequential thread ids.
type fakeCreator struct {
	calls int
	err   error
}

func (f *fakeCreator) CreateThread(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return fmt.Sprintf("thread-%d", f.calls), nil
}

// failingStore wraps a Store and injects errors.
type failingStore struct {
	Store
	getErr error
	putErr error
	delErr error
}

func (f *failingStore) Get(ctx context.Context, chatID int64) (Record, bool, error) {
	if f.getErr != nil {
		return Record{}, false, f.getErr
	}
	return f.Store.Get(ctx, chatID)
}

func (f *failingStore) Put(ctx context.Context, chatID int64, rec Record) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, chatID, rec)
}

func (f *failingStore) Delete(ctx context.Context, chatID int64) error {
	if f.delErr != nil {
		return f.delErr
	}
	return f.Store.Delete(ctx, chatID)
}

func TestResolveOrCreate_FirstContact(t *testing.T) {
	store := NewMemoryStore()
	creator := &fakeCreator{}
	reg := NewRegistry(store, creator, 0)

	id, created, err := reg.ResolveOrCreate(context.Background(), 42)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if !created {
		t.Error("created = false, want true on first contact")
	}
	if id != "thread-1" {
		t.Errorf("thread id = %q, want %q", id, "thread-1")
	}

	rec, ok, _ := store.Get(context.Background(), 42)
	if !ok {
		t.Fatal("mapping not stored")
	}
	if rec.ThreadID != "thread-1" {
		t.Errorf("stored thread id = %q, want %q", rec.ThreadID, "thread-1")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("stored CreatedAt is zero")
	}
}

func TestResolveOrCreate_CachedReuse(t *testing.T) {
	store := NewMemoryStore()
	creator := &fakeCreator{}
	reg := NewRegistry(store, creator, 0)

	first, _, _ := reg.ResolveOrCreate(context.Background(), 42)
	second, created, err := reg.ResolveOrCreate(context.Background(), 42)
	if err != nil {
		t.Fatalf("second ResolveOrCreate: %v", err)
	}
	if created {
		t.Error("created = true, want false for cached mapping")
	}
	if second != first {
		t.Errorf("second id = %q, want cached %q", second, first)
	}
	if creator.calls != 1 {
		t.Errorf("creator calls = %d, want 1", creator.calls)
	}
}

func TestResolveOrCreate_CreatorError(t *testing.T) {
	store := NewMemoryStore()
	creator := &fakeCreator{err: errors.New("upstream down")}
	reg := NewRegistry(store, creator, 0)

	_, _, err := reg.ResolveOrCreate(context.Background(), 42)
	if err == nil {
		t.Fatal("expected error when thread creation fails")
	}
	if _, ok, _ := store.Get(context.Background(), 42); ok {
		t.Error("no mapping should be stored on creation failure")
	}
}

func TestResolveOrCreate_StoreGetError(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore(), getErr: errors.New("redis gone")}
	reg := NewRegistry(store, &fakeCreator{}, 0)

	_, _, err := reg.ResolveOrCreate(context.Background(), 42)
	if err == nil {
		t.Fatal("expected error when lookup fails")
	}
}

func TestResolveOrCreate_StorePutError(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore(), putErr: errors.New("redis gone")}
	reg := NewRegistry(store, &fakeCreator{}, 0)

	_, _, err := reg.ResolveOrCreate(context.Background(), 42)
	if err == nil {
		t.Fatal("expected error when the mapping cannot be stored")
	}
}

func TestResolveOrCreate_StaleRecreated(t *testing.T) {
	store := NewMemoryStore()
	creator := &fakeCreator{}
	reg := NewRegistry(store, creator, time.Hour)

	old := Record{ThreadID: "thread-old", CreatedAt: time.Now().Add(-2 * time.Hour)}
	store.Put(context.Background(), 42, old)

	id, created, err := reg.ResolveOrCreate(context.Background(), 42)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if !created {
		t.Error("created = false, want true for a stale mapping")
	}
	if id == "thread-old" {
		t.Error("stale thread id was reused")
	}
}

func TestResolveOrCreate_FreshKept(t *testing.T) {
	store := NewMemoryStore()
	creator := &fakeCreator{}
	reg := NewRegistry(store, creator, time.Hour)

	fresh := Record{ThreadID: "thread-fresh", CreatedAt: time.Now().Add(-time.Minute)}
	store.Put(context.Background(), 42, fresh)

	id, created, err := reg.ResolveOrCreate(context.Background(), 42)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if created || id != "thread-fresh" {
		t.Errorf("(id, created) = (%q, %v), want (thread-fresh, false)", id, created)
	}
}

func TestResolveOrCreate_ZeroMaxAgeNeverStale(t *testing.T) {
	store := NewMemoryStore()
	reg := NewRegistry(store, &fakeCreator{}, 0)

	ancient := Record{ThreadID: "thread-ancient", CreatedAt: time.Now().Add(-24 * 365 * time.Hour)}
	store.Put(context.Background(), 42, ancient)

	id, created, _ := reg.ResolveOrCreate(context.Background(), 42)
	if created || id != "thread-ancient" {
		t.Errorf("(id, created) = (%q, %v), want ancient mapping kept", id, created)
	}
}

func TestInvalidate_NextResolveCreatesReplacement(t *testing.T) {
	store := NewMemoryStore()
	creator := &fakeCreator{}
	reg := NewRegistry(store, creator, 0)

	first, _, _ := reg.ResolveOrCreate(context.Background(), 42)
	if err := reg.Invalidate(context.Background(), 42); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	second, created, err := reg.ResolveOrCreate(context.Background(), 42)
	if err != nil {
		t.Fatalf("ResolveOrCreate after invalidate: %v", err)
	}
	if !created {
		t.Error("created = false, want replacement thread")
	}
	if second == first {
		t.Errorf("replacement id = %q, want a new thread", second)
	}

	rec, _, _ := store.Get(context.Background(), 42)
	if rec.ThreadID != second {
		t.Errorf("stored mapping = %q, want updated to %q", rec.ThreadID, second)
	}
}

func TestReset_DropsMapping(t *testing.T) {
	store := NewMemoryStore()
	reg := NewRegistry(store, &fakeCreator{}, 0)

	reg.ResolveOrCreate(context.Background(), 42)
	if err := reg.Reset(context.Background(), 42); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), 42); ok {
		t.Error("mapping still present after Reset")
	}
}

func TestSweepOlderThan(t *testing.T) {
	store := NewMemoryStore()
	reg := NewRegistry(store, &fakeCreator{}, 0)

	store.Put(context.Background(), 1, Record{ThreadID: "t1", CreatedAt: time.Now().Add(-48 * time.Hour)})
	store.Put(context.Background(), 2, Record{ThreadID: "t2", CreatedAt: time.Now().Add(-30 * time.Hour)})
	store.Put(context.Background(), 3, Record{ThreadID: "t3", CreatedAt: time.Now().Add(-time.Hour)})

	pruned, err := reg.SweepOlderThan(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}
	if _, ok, _ := store.Get(context.Background(), 3); !ok {
		t.Error("young mapping was swept")
	}
	if _, ok, _ := store.Get(context.Background(), 1); ok {
		t.Error("old mapping survived the sweep")
	}
}

func TestSweepOlderThan_Empty(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), &fakeCreator{}, 0)

	pruned, err := reg.SweepOlderThan(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}
