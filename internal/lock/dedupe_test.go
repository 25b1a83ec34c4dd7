package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOnce_FirstTime(t *testing.T) {
	d := NewDeduper(newFakeRedis(), time.Minute)

	first, err := d.Once(context.Background(), "tg:42:1001")
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if !first {
		t.Error("first call should report first=true")
	}
}

func TestOnce_Redelivery(t *testing.T) {
	d := NewDeduper(newFakeRedis(), time.Minute)

	if _, err := d.Once(context.Background(), "tg:42:1001"); err != nil {
		t.Fatalf("first Once: %v", err)
	}
	first, err := d.Once(context.Background(), "tg:42:1001")
	if err != nil {
		t.Fatalf("second Once: %v", err)
	}
	if first {
		t.Error("redelivered id should report first=false")
	}
}

func TestOnce_DistinctIDs(t *testing.T) {
	d := NewDeduper(newFakeRedis(), time.Minute)

	a, _ := d.Once(context.Background(), "tg:42:1001")
	b, _ := d.Once(context.Background(), "tg:42:1002")
	if !a || !b {
		t.Errorf("distinct ids = (%v, %v), want both first=true", a, b)
	}
}

func TestOnce_TTLApplied(t *testing.T) {
	rdb := newFakeRedis()
	d := NewDeduper(rdb, 45*time.Second)

	d.Once(context.Background(), "tg:42:1001")

	rdb.mu.Lock()
	ttl := rdb.ttls[dedupeKeyPrefix+"tg:42:1001"]
	rdb.mu.Unlock()
	if ttl != 45*time.Second {
		t.Errorf("ttl = %v, want 45s", ttl)
	}
}

func TestOnce_StoreError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	d := NewDeduper(rdb, time.Minute)

	_, err := d.Once(context.Background(), "tg:42:1001")
	if err == nil {
		t.Fatal("expected error for unreachable store")
	}
}
