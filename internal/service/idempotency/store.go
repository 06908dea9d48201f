// Package idempotency maps client idempotency keys to the body fingerprint
// and order id of their first submission, with a short TTL.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowtrade/order-engine/internal/domain"
)

// luaReserve returns the existing record when the key is taken, otherwise
// stores the new record and returns nil. Running both steps in one script
// gives the set-if-absent semantics concurrent submissions rely on.
const luaReserve = `
local existing = redis.call("GET", KEYS[1])
if existing then
  return existing
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return false
`

// Store is a Redis-backed domain.IdempotencyStore.
type Store struct {
	redis   redis.Scripter
	deleter interface {
		Del(ctx context.Context, keys ...string) *redis.IntCmd
	}
	script *redis.Script
	ttl    time.Duration
}

// New constructs a Store with the given record TTL.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: rdb, deleter: rdb, script: redis.NewScript(luaReserve), ttl: ttl}
}

// Reserve atomically claims key for rec. When the key is already claimed the
// stored record is returned with reserved=false and nothing is written.
func (s *Store) Reserve(ctx context.Context, key string, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("op=idempotency.reserve: %w", err)
	}
	res, err := s.script.Run(ctx, s.redis, []string{redisKey(key)}, b, s.ttl.Milliseconds()).Result()
	if err == redis.Nil || res == false {
		return rec, true, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("op=idempotency.reserve: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return rec, true, nil
	}
	var existing domain.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("op=idempotency.reserve decode: %w", err)
	}
	return existing, false, nil
}

// Release drops a reservation after a failed submission so the client can
// retry with the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.deleter.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("op=idempotency.release: %w", err)
	}
	return nil
}

func redisKey(key string) string { return "idem:" + key }
