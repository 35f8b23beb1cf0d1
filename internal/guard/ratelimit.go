/**
 * @description
 * RateLimitGuard caps the number of payment attempts per wallet within a
 * fixed time bucket. Each attempt increments a counter keyed by the current
 * minute with a TTL equal to the bucket length, so cleanup happens implicitly
 * through the store's expiry rather than an explicit sweeper.
 *
 * Commit and Release are deliberate no-ops: an attempt consumed a slot whether
 * or not the payment is later confirmed, and the bucket self-expires.
 *
 * @dependencies
 * - internal/store: TTL'd atomic counter primitive.
 */

package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WindowMinute is the bucket name surfaced in rate-limit denials.
const WindowMinute = "minute"

// RateLimitGuard is the stateful velocity guard.
type RateLimitGuard struct {
	name         string
	store        store.AtomicStore
	maxPerMinute int64

	now func() time.Time // swappable clock for bucket tests
}

// NewRateLimitGuard builds a per-minute velocity guard.
func NewRateLimitGuard(atomicStore store.AtomicStore, name string, maxPerMinute int64) *RateLimitGuard {
	return &RateLimitGuard{
		name:         name,
		store:        atomicStore,
		maxPerMinute: maxPerMinute,
		now:          time.Now,
	}
}

func (g *RateLimitGuard) Name() string { return g.name }

func (g *RateLimitGuard) bucketKey(walletID string) string {
	return fmt.Sprintf("%s:%s:%s", walletID, g.name, g.now().UTC().Format("200601021504"))
}

// Check reads the current bucket without consuming a slot or creating the
// bucket.
func (g *RateLimitGuard) Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error) {
	count, err := g.store.GetCounter(ctx, store.CollectionRateLimit, g.bucketKey(payment.WalletID))
	if err != nil {
		return domain.GuardResult{}, err
	}
	if count.IntPart() >= g.maxPerMinute {
		return domain.GuardResult{
			Allowed:   false,
			GuardName: g.name,
			Reason:    fmt.Sprintf("rate limit of %d per minute reached", g.maxPerMinute),
			Metadata:  map[string]string{metaWindow: WindowMinute},
		}, nil
	}
	return domain.GuardResult{Allowed: true, GuardName: g.name}, nil
}

// Reserve consumes one attempt slot in the current minute bucket, rolling the
// increment back and denying when the bucket is already full.
func (g *RateLimitGuard) Reserve(ctx context.Context, payment domain.PaymentContext) (string, error) {
	key := g.bucketKey(payment.WalletID)
	count, err := g.store.AtomicAdd(ctx, store.CollectionRateLimit, key, decimal.NewFromInt(1), time.Minute)
	if err != nil {
		return "", err
	}

	if count.IntPart() > g.maxPerMinute {
		if _, rollbackErr := g.store.AtomicAdd(ctx, store.CollectionRateLimit, key, decimal.NewFromInt(-1), time.Minute); rollbackErr != nil {
			return "", rollbackErr
		}
		return "", &PolicyDeniedError{
			Guard:     g.name,
			Window:    WindowMinute,
			Limit:     decimal.NewFromInt(g.maxPerMinute),
			Attempted: count,
		}
	}
	return uuid.NewString(), nil
}

// Commit is a no-op: the slot was spent at reserve time.
func (g *RateLimitGuard) Commit(ctx context.Context, token string) (bool, error) {
	return true, nil
}

// Release is intentionally not a decrement: an attempt already consumed its
// slot regardless of whether the payment was later confirmed.
func (g *RateLimitGuard) Release(ctx context.Context, token string) (bool, error) {
	return true, nil
}
