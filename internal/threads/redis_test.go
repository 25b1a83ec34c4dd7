package threads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeHash implements RedisClient over a plain map.
type fakeHash struct {
	fields map[string]string
	err    error
}

func newFakeHash() *fakeHash {
	return &fakeHash{fields: make(map[string]string)}
}

func (f *fakeHash) HGet(_ context.Context, _, field string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.fields[field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeHash) HSet(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.fields[values[0].(string)] = values[1].(string)
	return redis.NewIntResult(1, nil)
}

func (f *fakeHash) HDel(_ context.Context, _ string, fields ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, fd := range fields {
		if _, ok := f.fields[fd]; ok {
			delete(f.fields, fd)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeHash) HGetAll(_ context.Context, _ string) *redis.MapStringStringCmd {
	if f.err != nil {
		return redis.NewMapStringStringResult(nil, f.err)
	}
	out := make(map[string]string, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func TestRedisStore_PutGet(t *testing.T) {
	store := NewRedisStore(newFakeHash())

	want := Record{ThreadID: "thread-abc", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := store.Put(context.Background(), 42, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := store.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get ok = false, want true")
	}
	if got.ThreadID != want.ThreadID {
		t.Errorf("ThreadID = %q, want %q", got.ThreadID, want.ThreadID)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	store := NewRedisStore(newFakeHash())

	_, ok, err := store.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("ok = true for a missing mapping")
	}
}

func TestRedisStore_GetCorruptTreatedAsMissing(t *testing.T) {
	h := newFakeHash()
	h.fields["42"] = "{not json"
	store := NewRedisStore(h)

	_, ok, err := store.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("corrupt entry should read as missing")
	}
}

func TestRedisStore_Delete(t *testing.T) {
	h := newFakeHash()
	store := NewRedisStore(h)

	store.Put(context.Background(), 42, Record{ThreadID: "t"})
	if err := store.Delete(context.Background(), 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), 42); ok {
		t.Error("mapping survived Delete")
	}
}

func TestRedisStore_All(t *testing.T) {
	h := newFakeHash()
	store := NewRedisStore(h)

	store.Put(context.Background(), 1, Record{ThreadID: "t1"})
	store.Put(context.Background(), 2, Record{ThreadID: "t2"})
	h.fields["junk"] = `{"thread_id":"x"}` // non-numeric field is skipped
	h.fields["3"] = "{corrupt"             // corrupt value is skipped

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(All) = %d, want 2", len(all))
	}
	if all[1].ThreadID != "t1" || all[2].ThreadID != "t2" {
		t.Errorf("All = %v, want t1 and t2", all)
	}
}

func TestRedisStore_ErrorPropagation(t *testing.T) {
	h := newFakeHash()
	h.err = errors.New("connection refused")
	store := NewRedisStore(h)

	if _, _, err := store.Get(context.Background(), 42); err == nil {
		t.Error("Get: expected error")
	}
	if err := store.Put(context.Background(), 42, Record{}); err == nil {
		t.Error("Put: expected error")
	}
	if err := store.Delete(context.Background(), 42); err == nil {
		t.Error("Delete: expected error")
	}
	if _, err := store.All(context.Background()); err == nil {
		t.Error("All: expected error")
	}
}
