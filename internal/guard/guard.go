/**
 * @description
 * This file defines the Guard contract: a named spend/risk policy evaluated
 * per payment attempt. Guards come in two tiers. Every guard can Check a
 * payment context, producing a side-effect-free verdict safe to call
 * repeatedly (real admission and dry-run simulation share it). Stateful
 * guards additionally Reserve/Commit/Release shared, time-windowed resource
 * usage through the atomic store.
 *
 * Denial is data, not control flow: Check returns a GuardResult and reserves
 * fail with a typed error a caller must branch on; plain errors are reserved
 * for storage faults.
 *
 * @dependencies
 * - internal/domain: PaymentContext and GuardResult value types.
 * - github.com/shopspring/decimal: limit arithmetic.
 */

package guard

import (
	"context"
	"fmt"
	"strconv"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Guard is a pluggable policy evaluated against one payment context.
// Check must be free of side effects and safe to call repeatedly.
type Guard interface {
	Name() string
	Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error)
}

// StatefulGuard is a guard whose decision depends on mutable, shared,
// time-windowed state. Reserve consumes capacity and returns an opaque token;
// it fails with *PolicyDeniedError when a configured limit would be exceeded.
// Commit and Release finalize or roll back a reservation; both are idempotent
// best-effort operations that report success instead of erroring on unknown
// or already-finalized tokens.
type StatefulGuard interface {
	Guard
	Reserve(ctx context.Context, payment domain.PaymentContext) (string, error)
	Commit(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) (bool, error)
}

// PolicyDeniedError reports that a guard's configured limit would be
// exceeded. Non-fatal: the caller may retry with a smaller amount or wait for
// the violated window to roll over. The message always names the violated
// window ("Hourly", "Daily", "Total", "minute", ...) so automated callers can
// branch without parsing the full sentence.
type PolicyDeniedError struct {
	Guard     string
	Window    string
	Limit     decimal.Decimal
	Attempted decimal.Decimal
	Reason    string
}

func (e *PolicyDeniedError) Error() string {
	if e.Window != "" {
		return fmt.Sprintf("%s guard denied payment: %s limit %s exceeded (attempted total %s)",
			e.Guard, e.Window, e.Limit.String(), e.Attempted.String())
	}
	return fmt.Sprintf("%s guard denied payment: %s", e.Guard, e.Reason)
}

// RiskFlaggedError is the soft denial: the aggregate risk score landed between
// the low and high thresholds. The caller may re-submit with an explicit
// confirmation instead of aborting.
type RiskFlaggedError struct {
	Guard string
	Score float64
}

func (e *RiskFlaggedError) Error() string {
	return fmt.Sprintf("%s guard flagged payment for confirmation: risk score %.1f", e.Guard, e.Score)
}

// RiskBlockedError is the hard denial: the aggregate risk score reached the
// high threshold. Not retriable without raising thresholds.
type RiskBlockedError struct {
	Guard string
	Score float64
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("%s guard blocked payment: risk score %.1f", e.Guard, e.Score)
}

// Result metadata keys shared by guards and the chain.
const (
	metaDecision = "decision"
	metaScore    = "score"
	metaWindow   = "window"

	decisionFlagged = "flagged"
	decisionBlocked = "blocked"
)

// denyError converts a denying check verdict into the typed error surfaced by
// the admission path. Risk verdicts keep their soft/hard distinction; every
// other denial is a policy denial.
func denyError(result domain.GuardResult) error {
	switch result.Metadata[metaDecision] {
	case decisionFlagged:
		score, _ := strconv.ParseFloat(result.Metadata[metaScore], 64)
		return &RiskFlaggedError{Guard: result.GuardName, Score: score}
	case decisionBlocked:
		score, _ := strconv.ParseFloat(result.Metadata[metaScore], 64)
		return &RiskBlockedError{Guard: result.GuardName, Score: score}
	}
	return &PolicyDeniedError{
		Guard:  result.GuardName,
		Window: result.Metadata[metaWindow],
		Reason: result.Reason,
	}
}
