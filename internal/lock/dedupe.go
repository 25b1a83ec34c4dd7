package lock

import (
	"context"
	"fmt"
	"time"
)

const dedupeKeyPrefix = "medrelay:seen:"

// Deduper remembers recently accepted inbound message ids so transport
// redeliveries (webhook retries, poll overlaps) are dropped before they
// reach the orchestrator. Built on the same set-if-absent primitive as the
// lock, with a short TTL.
type Deduper struct {
	rdb Client
	ttl time.Duration
}

// NewDeduper creates a Deduper with the given memory window.
func NewDeduper(rdb Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// Once reports whether id is seen for the first time within the TTL window.
// On a store error it returns the error with first=false; callers decide
// whether to process anyway (availability) or drop (strict dedupe).
func (d *Deduper) Once(ctx context.Context, id string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupeKeyPrefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: dedupe %s: %w", id, err)
	}
	return ok, nil
}
