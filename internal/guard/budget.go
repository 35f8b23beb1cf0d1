/**
 * @description
 * BudgetGuard caps cumulative spend per wallet over independent rolling
 * windows (hourly, daily, total). Accounting is optimistic: Reserve increments
 * each window's atomic counter first and validates the returned total second,
 * rolling back every already-incremented window when any limit is exceeded.
 * The store's per-key linearizable add guarantees two concurrent reserves
 * observe each other, so the check-then-compensate pattern never admits two
 * spends that jointly exceed a limit.
 *
 * Reserve-time increments are final: Commit only discards the rollback record,
 * there is no separate settlement bump. Release applies the same negative
 * delta as a failed reserve, for payments that never get confirmed.
 *
 * @dependencies
 * - internal/store: atomic counter primitive and token records.
 * - github.com/shopspring/decimal: exact spend arithmetic.
 */

package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Window names surfaced in denial messages. Callers branch on these.
const (
	WindowHourly = "Hourly"
	WindowDaily  = "Daily"
	WindowTotal  = "Total"
)

// budgetWindow is one configured accounting period.
type budgetWindow struct {
	name  string
	limit decimal.Decimal
	ttl   time.Duration // 0 = never expires (lifetime total)
}

// BudgetConfig carries the optional per-window limits. A nil limit disables
// that window entirely.
type BudgetConfig struct {
	Hourly *decimal.Decimal
	Daily  *decimal.Decimal
	Total  *decimal.Decimal
}

// BudgetGuard is the stateful multi-window spend guard.
type BudgetGuard struct {
	name    string
	store   store.AtomicStore
	windows []budgetWindow
}

// budgetToken is the rollback record persisted per successful reserve so that
// Release works from any process, not just the one that reserved.
type budgetToken struct {
	Token     string    `json:"token"`
	WalletID  string    `json:"wallet_id"`
	GuardName string    `json:"guard_name"`
	Amount    string    `json:"amount"`
	Windows   []string  `json:"windows"`
	CreatedAt time.Time `json:"created_at"`
}

const budgetTokenCollection = "budget_tokens"

// NewBudgetGuard builds a budget guard with the configured windows, always
// evaluated in the fixed order hourly, daily, total.
func NewBudgetGuard(atomicStore store.AtomicStore, name string, cfg BudgetConfig) *BudgetGuard {
	g := &BudgetGuard{name: name, store: atomicStore}
	if cfg.Hourly != nil {
		g.windows = append(g.windows, budgetWindow{name: WindowHourly, limit: *cfg.Hourly, ttl: time.Hour})
	}
	if cfg.Daily != nil {
		g.windows = append(g.windows, budgetWindow{name: WindowDaily, limit: *cfg.Daily, ttl: 24 * time.Hour})
	}
	if cfg.Total != nil {
		g.windows = append(g.windows, budgetWindow{name: WindowTotal, limit: *cfg.Total})
	}
	return g
}

func (g *BudgetGuard) Name() string { return g.name }

func (g *BudgetGuard) counterKey(walletID string, w budgetWindow) string {
	return fmt.Sprintf("%s:%s:%s", walletID, g.name, strings.ToLower(w.name))
}

// Check is the dry run: it reads each window's current total without creating
// the bucket, so a simulation never anchors a window's TTL before any spend.
func (g *BudgetGuard) Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error) {
	for _, w := range g.windows {
		current, err := g.store.GetCounter(ctx, store.CollectionBudget, g.counterKey(payment.WalletID, w))
		if err != nil {
			return domain.GuardResult{}, err
		}
		if current.Add(payment.Amount).GreaterThan(w.limit) {
			return domain.GuardResult{
				Allowed:   false,
				GuardName: g.name,
				Reason:    fmt.Sprintf("%s budget limit %s would be exceeded", w.name, w.limit.String()),
				Metadata:  map[string]string{metaWindow: w.name},
			}, nil
		}
	}
	return domain.GuardResult{Allowed: true, GuardName: g.name}, nil
}

// Reserve atomically adds the payment amount to every configured window in
// fixed order. On the first violated limit it subtracts the amount from every
// window already incremented in this call (all-or-nothing) and fails with a
// PolicyDeniedError naming the violated window.
func (g *BudgetGuard) Reserve(ctx context.Context, payment domain.PaymentContext) (string, error) {
	var incremented []budgetWindow

	for _, w := range g.windows {
		total, err := g.store.AtomicAdd(ctx, store.CollectionBudget, g.counterKey(payment.WalletID, w), payment.Amount, w.ttl)
		if err != nil {
			g.compensate(ctx, payment.WalletID, payment.Amount, incremented)
			return "", err
		}
		incremented = append(incremented, w)

		if total.GreaterThan(w.limit) {
			g.compensate(ctx, payment.WalletID, payment.Amount, incremented)
			return "", &PolicyDeniedError{
				Guard:     g.name,
				Window:    w.name,
				Limit:     w.limit,
				Attempted: total,
			}
		}
	}

	record := budgetToken{
		Token:     uuid.NewString(),
		WalletID:  payment.WalletID,
		GuardName: g.name,
		Amount:    payment.Amount.String(),
		CreatedAt: time.Now().UTC(),
	}
	for _, w := range incremented {
		record.Windows = append(record.Windows, w.name)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		g.compensate(ctx, payment.WalletID, payment.Amount, incremented)
		return "", fmt.Errorf("budget guard: marshal token: %w", err)
	}
	if err := g.store.Save(ctx, budgetTokenCollection, record.Token, raw); err != nil {
		g.compensate(ctx, payment.WalletID, payment.Amount, incremented)
		return "", err
	}
	return record.Token, nil
}

// Commit finalizes a reservation. The spend is already reflected in the
// counters, so committing only discards the rollback record. Unknown or
// already-finalized tokens report false without erroring.
func (g *BudgetGuard) Commit(ctx context.Context, token string) (bool, error) {
	return g.store.Delete(ctx, budgetTokenCollection, token)
}

// Release rolls back a reservation that never got confirmed, applying the
// same negative delta a failed reserve applies. Idempotent: a second release
// of the same token reports false.
func (g *BudgetGuard) Release(ctx context.Context, token string) (bool, error) {
	raw, err := g.store.Get(ctx, budgetTokenCollection, token)
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var record budgetToken
	if err := json.Unmarshal(raw, &record); err != nil {
		return false, fmt.Errorf("budget guard: corrupt token record %s: %w", token, err)
	}
	amount, err := decimal.NewFromString(record.Amount)
	if err != nil {
		return false, fmt.Errorf("budget guard: corrupt token amount %q: %w", record.Amount, err)
	}

	// Delete first so concurrent releases of the same token compensate once.
	deleted, err := g.store.Delete(ctx, budgetTokenCollection, token)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	var windows []budgetWindow
	for _, name := range record.Windows {
		for _, w := range g.windows {
			if w.name == name {
				windows = append(windows, w)
			}
		}
	}
	g.compensate(ctx, record.WalletID, amount, windows)
	return true, nil
}

// compensate subtracts amount from every listed window counter. Failures are
// logged rather than propagated: rollback is best effort and must not mask
// the original denial.
func (g *BudgetGuard) compensate(ctx context.Context, walletID string, amount decimal.Decimal, windows []budgetWindow) {
	for _, w := range windows {
		if _, err := g.store.AtomicAdd(ctx, store.CollectionBudget, g.counterKey(walletID, w), amount.Neg(), w.ttl); err != nil {
			log.Printf("level=error component=budget_guard msg=\"rollback failed\" wallet_id=%s window=%s amount=%s err=%v",
				walletID, w.name, amount.String(), err)
		}
	}
}
