/**
 * @description
 * FundLockService is the distributed mutex over a wallet key. Callers that
 * need to serialize an entire reserve sequence (for example a reserve paired
 * with an external balance check) take the pessimistic lock here instead of
 * relying on the counters' optimistic concurrency alone.
 *
 * Ownership is established purely by token equality: the acquirer and the
 * releaser may be different processes, and a holder whose TTL already lapsed
 * cannot release a newer holder's lock. Acquisition is bounded: it retries a
 * configured number of times and then fails open to "unavailable" rather than
 * blocking indefinitely.
 *
 * @dependencies
 * - internal/store: atomic set-if-absent-with-expiry primitive.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/shopspring/decimal"
)

// FundLockService serializes wallet reserve phases through the atomic store.
type FundLockService struct {
	store store.AtomicStore

	sleep func(time.Duration) // swappable for tests
}

// NewFundLockService creates a lock service over the given store.
func NewFundLockService(atomicStore store.AtomicStore) *FundLockService {
	return &FundLockService{store: atomicStore, sleep: time.Sleep}
}

func fundLockKey(walletID string) string {
	return fmt.Sprintf("wallet:%s", walletID)
}

// Acquire attempts the store's acquire-if-absent-with-expiry up to
// retryCount+1 times, sleeping retryDelay between attempts. It returns the
// ownership token and true on success, or "" and false once retries are
// exhausted. The amount is recorded for the audit trail only; it does not
// affect lock semantics.
func (s *FundLockService) Acquire(ctx context.Context, walletID string, amount decimal.Decimal, ttl time.Duration, retryCount int, retryDelay time.Duration) (string, bool, error) {
	if retryCount < 0 {
		retryCount = 0
	}

	for attempt := 0; attempt <= retryCount; attempt++ {
		token, acquired, err := s.store.AcquireLock(ctx, fundLockKey(walletID), ttl)
		if err != nil {
			return "", false, err
		}
		if acquired {
			log.Printf("level=info component=fund_lock msg=\"lock acquired\" wallet_id=%s amount=%s ttl=%s attempt=%d",
				walletID, amount.String(), ttl, attempt+1)
			return token, true, nil
		}
		if attempt < retryCount {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			default:
			}
			s.sleep(retryDelay)
		}
	}

	log.Printf("level=warn component=fund_lock msg=\"lock unavailable after retries\" wallet_id=%s attempts=%d", walletID, retryCount+1)
	return "", false, nil
}

// ReleaseWithKey releases the wallet lock only when token matches the stored
// owner, returning false on mismatch or absence.
func (s *FundLockService) ReleaseWithKey(ctx context.Context, walletID, token string) (bool, error) {
	released, err := s.store.ReleaseLock(ctx, fundLockKey(walletID), token)
	if err != nil {
		return false, err
	}
	if !released {
		log.Printf("level=warn component=fund_lock msg=\"release refused\" wallet_id=%s reason=token_mismatch_or_absent", walletID)
	}
	return released, nil
}
