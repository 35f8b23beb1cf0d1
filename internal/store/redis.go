/**
 * @description
 * Redis implementation of the AtomicStore contract. Counters ride on
 * INCRBYFLOAT (applied via a Lua script so the creation-time TTL is set in the
 * same atomic step), locks on SET NX PX with a Lua compare-and-delete for
 * token-checked release, and record queries on prefix SCAN.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client.
 * - github.com/shopspring/decimal: counter values.
 */

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// atomicAddScript increments the counter and applies the TTL only when the
// bucket has no expiry yet, so a rolling window is anchored at first use.
var atomicAddScript = redis.NewScript(`
local v = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return v
`)

// releaseLockScript deletes the lock only when the stored token matches the
// presented one, so a holder whose TTL lapsed cannot destroy a newer lock.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is the Redis-backed AtomicStore.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a Redis client. An empty prefix defaults to "spendguard".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "spendguard"
	}
	trimmed = strings.TrimSuffix(trimmed, ":")

	return &RedisStore{client: client, prefix: trimmed}
}

func (s *RedisStore) recordKey(collection, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, collection, key)
}

func (s *RedisStore) lockKey(key string) string {
	return fmt.Sprintf("%s:locks:%s", s.prefix, key)
}

// Get retrieves a record, returning ErrKeyNotFound when absent.
func (s *RedisStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.recordKey(collection, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", collection, key, err)
	}
	return raw, nil
}

// Save persists a record with no expiry.
func (s *RedisStore) Save(ctx context.Context, collection, key string, value []byte) error {
	if err := s.client.Set(ctx, s.recordKey(collection, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis save %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes a record, reporting whether anything was deleted.
func (s *RedisStore) Delete(ctx context.Context, collection, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.recordKey(collection, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete %s/%s: %w", collection, key, err)
	}
	return n > 0, nil
}

// Query scans the collection and returns every record matching the filter.
func (s *RedisStore) Query(ctx context.Context, collection string, filter map[string]string) ([][]byte, error) {
	pattern := fmt.Sprintf("%s:%s:*", s.prefix, collection)

	var results [][]byte
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("redis query %s: %w", collection, err)
		}
		if matchesFilter(raw, filter) {
			results = append(results, raw)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", collection, err)
	}
	return results, nil
}

// AtomicAdd adds delta to the counter and returns the post-add value. The TTL
// is applied only when the bucket is created.
func (s *RedisStore) AtomicAdd(ctx context.Context, collection, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error) {
	raw, err := atomicAddScript.Run(ctx, s.client,
		[]string{s.recordKey(collection, key)},
		delta.String(), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis atomic add %s/%s: %w", collection, key, err)
	}

	text, ok := raw.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("redis atomic add %s/%s: unexpected reply type %T", collection, key, raw)
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis atomic add %s/%s: parse %q: %w", collection, key, text, err)
	}
	return value, nil
}

// GetCounter reads a counter without creating the bucket. Absent counters
// read as zero; expired ones are already gone.
func (s *RedisStore) GetCounter(ctx context.Context, collection, key string) (decimal.Decimal, error) {
	text, err := s.client.Get(ctx, s.recordKey(collection, key)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis get counter %s/%s: %w", collection, key, err)
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis get counter %s/%s: parse %q: %w", collection, key, text, err)
	}
	return value, nil
}

// AcquireLock performs an atomic set-if-absent-with-expiry and returns the
// ownership token on success.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes the lock only when token matches the stored owner.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	raw, err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey(key)}, token).Result()
	if err != nil {
		return false, fmt.Errorf("redis release lock %s: %w", key, err)
	}
	n, ok := raw.(int64)
	if !ok {
		return false, fmt.Errorf("redis release lock %s: unexpected reply type %T", key, raw)
	}
	return n > 0, nil
}
