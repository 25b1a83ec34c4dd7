package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const hashKey = "medrelay:threads"

// RedisClient is the Redis command surface the store uses.
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStore keeps the whole mapping in one hash: field = chat id,
// value = JSON Record.
type RedisStore struct {
	rdb RedisClient
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb RedisClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, chatID int64) (Record, bool, error) {
	raw, err := s.rdb.HGet(ctx, hashKey, field(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("threads: redis get chat %d: %w", chatID, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// A corrupt entry behaves like a missing one; the registry will
		// overwrite it with a fresh thread.
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, chatID int64, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("threads: encode record for chat %d: %w", chatID, err)
	}
	if err := s.rdb.HSet(ctx, hashKey, field(chatID), string(raw)).Err(); err != nil {
		return fmt.Errorf("threads: redis put chat %d: %w", chatID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, chatID int64) error {
	if err := s.rdb.HDel(ctx, hashKey, field(chatID)).Err(); err != nil {
		return fmt.Errorf("threads: redis delete chat %d: %w", chatID, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[int64]Record, error) {
	raw, err := s.rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("threads: redis scan: %w", err)
	}
	out := make(map[int64]Record, len(raw))
	for f, v := range raw {
		chatID, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		out[chatID] = rec
	}
	return out, nil
}

func field(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
