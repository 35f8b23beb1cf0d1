/**
 * @description
 * RiskGuard classifies a payment as allow / flag / block from a weighted
 * aggregate of pluggable factors. Each factor scores the context in [0,100]
 * and carries a weight; the guard computes the weighted mean, clamps it, and
 * compares it against the low and high thresholds. Flagged payments are a
 * soft denial (the caller may re-submit with explicit confirmation); blocked
 * payments are hard denials.
 *
 * The guard itself holds no mutable state; factors aggregate whatever signals
 * they were built with. Sourcing external risk signals is a collaborator's
 * job, only the scoring policy lives here.
 */

package guard

import (
	"context"
	"fmt"
	"strconv"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Factor is one pluggable risk signal. Evaluate returns a score in [0,100];
// scores outside the range are clamped by the guard.
type Factor interface {
	Name() string
	Weight() float64
	Evaluate(ctx context.Context, payment domain.PaymentContext) float64
}

// RiskGuard is the stateless scoring guard.
type RiskGuard struct {
	name          string
	factors       []Factor
	lowThreshold  float64
	highThreshold float64
}

// NewRiskGuard builds a risk guard. Scores at or below low allow the payment,
// scores at or above high block it, and everything between is flagged.
func NewRiskGuard(name string, lowThreshold, highThreshold float64, factors ...Factor) *RiskGuard {
	return &RiskGuard{
		name:          name,
		factors:       factors,
		lowThreshold:  lowThreshold,
		highThreshold: highThreshold,
	}
}

func (g *RiskGuard) Name() string { return g.name }

// Score computes the weighted aggregate risk score, clamped to [0,100].
// A guard with no factors (or all-zero weights) scores zero.
func (g *RiskGuard) Score(ctx context.Context, payment domain.PaymentContext) float64 {
	var weightedSum, totalWeight float64
	for _, f := range g.factors {
		w := f.Weight()
		if w <= 0 {
			continue
		}
		s := f.Evaluate(ctx, payment)
		if s < 0 {
			s = 0
		}
		if s > 100 {
			s = 100
		}
		weightedSum += w * s
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}

	total := weightedSum / totalWeight
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return total
}

// Check scores the payment and returns the classification as a verdict. The
// flagged/blocked distinction rides in the result metadata so the chain can
// surface the matching soft or hard error on the admission path.
func (g *RiskGuard) Check(ctx context.Context, payment domain.PaymentContext) (domain.GuardResult, error) {
	score := g.Score(ctx, payment)
	meta := map[string]string{metaScore: strconv.FormatFloat(score, 'f', 2, 64)}

	switch {
	case score >= g.highThreshold:
		meta[metaDecision] = decisionBlocked
		return domain.GuardResult{
			Allowed:   false,
			GuardName: g.name,
			Reason:    fmt.Sprintf("risk score %.1f at or above block threshold %.1f", score, g.highThreshold),
			Metadata:  meta,
		}, nil
	case score > g.lowThreshold:
		meta[metaDecision] = decisionFlagged
		return domain.GuardResult{
			Allowed:   false,
			GuardName: g.name,
			Reason:    fmt.Sprintf("risk score %.1f requires confirmation (flag threshold %.1f)", score, g.lowThreshold),
			Metadata:  meta,
		}, nil
	default:
		return domain.GuardResult{Allowed: true, GuardName: g.name, Metadata: meta}, nil
	}
}

// AmountFactor maps the payment amount piecewise-linearly onto [0,100]:
// zero at or below low, 100 at or above high.
type AmountFactor struct {
	weight float64
	low    decimal.Decimal
	high   decimal.Decimal
}

// NewAmountFactor builds the reference amount-based factor.
func NewAmountFactor(weight float64, low, high decimal.Decimal) *AmountFactor {
	return &AmountFactor{weight: weight, low: low, high: high}
}

func (f *AmountFactor) Name() string    { return "amount" }
func (f *AmountFactor) Weight() float64 { return f.weight }

func (f *AmountFactor) Evaluate(ctx context.Context, payment domain.PaymentContext) float64 {
	amount := payment.Amount
	if amount.LessThanOrEqual(f.low) {
		return 0
	}
	if amount.GreaterThanOrEqual(f.high) {
		return 100
	}
	span := f.high.Sub(f.low)
	if span.IsZero() {
		return 100
	}
	position := amount.Sub(f.low).Div(span)
	return position.InexactFloat64() * 100
}
