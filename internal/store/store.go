/**
 * @description
 * This file defines the `AtomicStore` interface, the storage contract consumed
 * by every stateful component of the spendguard-service: budget and rate-limit
 * counters, fund locks, reservations, and payment intents. By defining an
 * interface we decouple admission-control logic from the concrete backend
 * (Redis, PostgreSQL, or in-memory), making the code modular and testable.
 *
 * The contract is deliberately small: plain record access plus exactly two
 * atomicity primitives (race-free counter add, set-if-absent-with-expiry lock).
 * Everything above this layer is built from those primitives alone.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/shopspring/decimal: exact counter arithmetic.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Collections used by the service. Backends namespace records by collection.
const (
	CollectionBudget      = "budget_counters"
	CollectionRateLimit   = "ratelimit_counters"
	CollectionReservation = "reservations"
	CollectionIntent      = "payment_intents"
)

var (
	// ErrKeyNotFound is returned by Get when no record exists for the key.
	ErrKeyNotFound = errors.New("store: key not found")
)

// AtomicStore is the storage contract for all stateful admission components.
//
// AtomicAdd must be linearizable per key: two concurrent adds against the same
// key each observe the other's delta in the value they read back. ttl, when
// positive, is applied only at counter creation so a bucket self-expires.
// GetCounter is its read-only companion: absent or expired counters read as
// zero and the bucket is never created, so dry runs leave no trace.
//
// AcquireLock is atomic set-if-absent-with-expiry; it returns the ownership
// token and true on success, or false when the key is already held.
// ReleaseLock deletes only on token match.
type AtomicStore interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Save(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) (bool, error)
	Query(ctx context.Context, collection string, filter map[string]string) ([][]byte, error)

	AtomicAdd(ctx context.Context, collection, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error)
	GetCounter(ctx context.Context, collection, key string) (decimal.Decimal, error)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// matchesFilter reports whether the JSON record raw has every filter entry as
// a top-level string field with an equal value. An empty filter matches all.
// Records that fail to parse never match.
func matchesFilter(raw []byte, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}
