/**
 * @description
 * The stateless per-request guards: SingleTxGuard caps any one payment's
 * amount, RecipientGuard restricts who a wallet may pay, and ConfirmGuard
 * requires an explicit external confirmation marker on payments above a
 * threshold. None of them touch shared state, so Check is their whole
 * contract.
 */

package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/shopspring/decimal"
)

// WindowPerTransaction names the single-transaction cap in denial messages.
const WindowPerTransaction = "PerTransaction"

// SingleTxGuard caps the amount of any individual payment.
type SingleTxGuard struct {
	name string
	max  decimal.Decimal
}

// NewSingleTxGuard builds a per-transaction cap guard.
func NewSingleTxGuard(name string, max decimal.Decimal) *SingleTxGuard {
	return &SingleTxGuard{name: name, max: max}
}

func (g *SingleTxGuard) Name() string { return g.name }

func (g *SingleTxGuard) Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error) {
	if payment.Amount.GreaterThan(g.max) {
		return domain.GuardResult{
			Allowed:   false,
			GuardName: g.name,
			Reason:    fmt.Sprintf("amount %s exceeds per-transaction limit %s", payment.Amount.String(), g.max.String()),
			Metadata:  map[string]string{metaWindow: WindowPerTransaction},
		}, nil
	}
	return domain.GuardResult{Allowed: true, GuardName: g.name}, nil
}

// RecipientGuard restricts recipients by allowlist and denylist. The denylist
// always wins; an empty allowlist admits any recipient not denied.
type RecipientGuard struct {
	name    string
	allowed map[string]bool
	denied  map[string]bool
}

// NewRecipientGuard builds a recipient policy guard. Matching is
// case-insensitive on trimmed recipients.
func NewRecipientGuard(name string, allowed, denied []string) *RecipientGuard {
	g := &RecipientGuard{
		name:    name,
		allowed: make(map[string]bool, len(allowed)),
		denied:  make(map[string]bool, len(denied)),
	}
	for _, r := range allowed {
		g.allowed[normalizeRecipient(r)] = true
	}
	for _, r := range denied {
		g.denied[normalizeRecipient(r)] = true
	}
	return g
}

func normalizeRecipient(r string) string {
	return strings.ToLower(strings.TrimSpace(r))
}

func (g *RecipientGuard) Name() string { return g.name }

func (g *RecipientGuard) Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error) {
	recipient := normalizeRecipient(payment.Recipient)
	if g.denied[recipient] {
		return domain.GuardResult{
			Allowed:   false,
			GuardName: g.name,
			Reason:    fmt.Sprintf("recipient %s is blocked for this wallet", payment.Recipient),
		}, nil
	}
	if len(g.allowed) > 0 && !g.allowed[recipient] {
		return domain.GuardResult{
			Allowed:   false,
			GuardName: g.name,
			Reason:    fmt.Sprintf("recipient %s is not on the wallet allowlist", payment.Recipient),
		}, nil
	}
	return domain.GuardResult{Allowed: true, GuardName: g.name}, nil
}

// ConfirmGuard requires payments at or above a threshold to carry an explicit
// external confirmation marker in the context metadata. The confirmation
// itself (a human prompt, a policy service, ...) happens outside this system.
type ConfirmGuard struct {
	name      string
	threshold decimal.Decimal
}

// ConfirmedMetadataKey is the context metadata key a caller sets (value
// "true") after obtaining external confirmation.
const ConfirmedMetadataKey = "confirmed"

// NewConfirmGuard builds a confirmation-required guard.
func NewConfirmGuard(name string, threshold decimal.Decimal) *ConfirmGuard {
	return &ConfirmGuard{name: name, threshold: threshold}
}

func (g *ConfirmGuard) Name() string { return g.name }

func (g *ConfirmGuard) Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error) {
	if payment.Amount.LessThan(g.threshold) {
		return domain.GuardResult{Allowed: true, GuardName: g.name}, nil
	}
	if payment.Metadata[ConfirmedMetadataKey] == "true" {
		return domain.GuardResult{Allowed: true, GuardName: g.name}, nil
	}
	return domain.GuardResult{
		Allowed:   false,
		GuardName: g.name,
		Reason:    fmt.Sprintf("payments of %s or more require external confirmation", g.threshold.String()),
	}, nil
}
