package guard

import (
	"context"
	"testing"

	"github.com/agentrails/spendguard-service/internal/domain"
)

// testFactor is a fixed-score risk factor stub.
type testFactor struct {
	weight float64
	score  float64
}

func (f testFactor) Name() string    { return "fixed" }
func (f testFactor) Weight() float64 { return f.weight }
func (f testFactor) Evaluate(ctx context.Context, payment domain.PaymentContext) float64 {
	return f.score
}

func TestRiskGuard_AmountFactorClassification(t *testing.T) {
	g := NewRiskGuard("risk", 30, 70, NewAmountFactor(1.0, dec("100"), dec("1000")))
	ctx := context.Background()

	// Below the factor's low bound scores zero and is allowed.
	result, err := g.Check(ctx, testPayment("w1", "50"))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected small payment to be allowed, got %s", result.Reason)
	}

	// Mid-range amount lands between the thresholds and is flagged.
	result, err = g.Check(ctx, testPayment("w1", "500"))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected mid-range payment to be flagged")
	}
	if result.Metadata[metaDecision] != decisionFlagged {
		t.Fatalf("expected flagged decision, got %q", result.Metadata[metaDecision])
	}
	score := g.Score(ctx, testPayment("w1", "500"))
	if score < 44 || score > 45 {
		t.Fatalf("expected score near 44.4 for 500 between 100 and 1000, got %f", score)
	}

	// Beyond the factor's high bound scores 100 and is blocked.
	result, err = g.Check(ctx, testPayment("w1", "2000"))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Allowed || result.Metadata[metaDecision] != decisionBlocked {
		t.Fatalf("expected blocked decision, got allowed=%t decision=%q", result.Allowed, result.Metadata[metaDecision])
	}
	if score := g.Score(ctx, testPayment("w1", "2000")); score != 100 {
		t.Fatalf("expected clamped score 100, got %f", score)
	}
}

func TestRiskGuard_WeightedMean(t *testing.T) {
	g := NewRiskGuard("risk", 30, 70,
		testFactor{weight: 3, score: 80},
		testFactor{weight: 1, score: 0},
	)
	ctx := context.Background()

	// (3*80 + 1*0) / 4 = 60
	if score := g.Score(ctx, testPayment("w1", "1")); score != 60 {
		t.Fatalf("expected weighted mean 60, got %f", score)
	}
}

func TestRiskGuard_OutOfRangeFactorScoresClamped(t *testing.T) {
	g := NewRiskGuard("risk", 30, 70,
		testFactor{weight: 1, score: 250},
		testFactor{weight: 1, score: -40},
	)
	ctx := context.Background()

	// Clamped to (100 + 0) / 2 = 50.
	if score := g.Score(ctx, testPayment("w1", "1")); score != 50 {
		t.Fatalf("expected clamped mean 50, got %f", score)
	}
}

func TestRiskGuard_NoFactorsScoresZero(t *testing.T) {
	g := NewRiskGuard("risk", 30, 70)
	ctx := context.Background()

	if score := g.Score(ctx, testPayment("w1", "999999")); score != 0 {
		t.Fatalf("expected empty guard to score 0, got %f", score)
	}
	result, err := g.Check(ctx, testPayment("w1", "999999"))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected empty guard to allow")
	}
}

func TestRiskGuard_ZeroWeightFactorsIgnored(t *testing.T) {
	g := NewRiskGuard("risk", 30, 70,
		testFactor{weight: 0, score: 100},
		testFactor{weight: 1, score: 20},
	)
	ctx := context.Background()

	if score := g.Score(ctx, testPayment("w1", "1")); score != 20 {
		t.Fatalf("expected zero-weight factor to be ignored, got %f", score)
	}
}

func TestRiskGuard_ThresholdBoundaries(t *testing.T) {
	g := NewRiskGuard("risk", 30, 70, testFactor{weight: 1, score: 30})
	ctx := context.Background()

	// Exactly the low threshold allows; exactly the high threshold blocks.
	result, _ := g.Check(ctx, testPayment("w1", "1"))
	if !result.Allowed {
		t.Fatal("expected score at low threshold to be allowed")
	}

	g = NewRiskGuard("risk", 30, 70, testFactor{weight: 1, score: 70})
	result, _ = g.Check(ctx, testPayment("w1", "1"))
	if result.Allowed || result.Metadata[metaDecision] != decisionBlocked {
		t.Fatalf("expected score at high threshold to block, got allowed=%t decision=%q", result.Allowed, result.Metadata[metaDecision])
	}
}
