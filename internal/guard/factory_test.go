package guard

import (
	"testing"

	"github.com/agentrails/spendguard-service/internal/store"
)

func TestFromSpec_BuildsEachGuardType(t *testing.T) {
	s := store.NewMemoryStore()

	specs := []Spec{
		{Type: TypeBudget, Name: "daily-budget", DailyLimit: "100"},
		{Type: TypeRateLimit, Name: "velocity", MaxPerMinute: 10},
		{Type: TypeRisk, Name: "risk", LowThreshold: 30, HighThreshold: 70,
			Factors: []FactorSpec{{Type: FactorTypeAmount, Weight: 1, Low: "100", High: "1000"}}},
		{Type: TypeSingleTx, Name: "per-tx", Amount: "50"},
		{Type: TypeRecipient, Name: "recipients", Allowed: []string{"merchant-1"}},
		{Type: TypeConfirm, Name: "confirm", Amount: "500"},
	}

	for _, spec := range specs {
		g, err := FromSpec(s, spec)
		if err != nil {
			t.Fatalf("spec %s: %v", spec.Type, err)
		}
		if g.Name() != spec.Name {
			t.Fatalf("spec %s: expected name %q, got %q", spec.Type, spec.Name, g.Name())
		}
	}
}

func TestFromSpec_RejectsInvalidDescriptors(t *testing.T) {
	s := store.NewMemoryStore()

	invalid := []Spec{
		{Type: TypeBudget, Name: ""},
		{Type: TypeBudget, Name: "empty-budget"},
		{Type: TypeBudget, Name: "bad-amount", DailyLimit: "not-a-number"},
		{Type: TypeBudget, Name: "negative", DailyLimit: "-5"},
		{Type: TypeRateLimit, Name: "zero", MaxPerMinute: 0},
		{Type: TypeRisk, Name: "no-factors", LowThreshold: 30, HighThreshold: 70},
		{Type: TypeRisk, Name: "inverted", LowThreshold: 70, HighThreshold: 30,
			Factors: []FactorSpec{{Type: FactorTypeAmount, Weight: 1, Low: "1", High: "2"}}},
		{Type: TypeRisk, Name: "bad-factor", LowThreshold: 30, HighThreshold: 70,
			Factors: []FactorSpec{{Type: "velocity", Weight: 1}}},
		{Type: TypeSingleTx, Name: "no-amount"},
		{Type: TypeRecipient, Name: "empty-lists"},
		{Type: TypeConfirm, Name: "no-threshold"},
		{Type: "unknown", Name: "mystery"},
	}

	for _, spec := range invalid {
		if _, err := FromSpec(s, spec); err == nil {
			t.Fatalf("expected spec %s/%s to be rejected", spec.Type, spec.Name)
		}
	}
}

func TestFromSpec_StatefulGuardsAreStateful(t *testing.T) {
	s := store.NewMemoryStore()

	budget, err := FromSpec(s, Spec{Type: TypeBudget, Name: "b", DailyLimit: "100"})
	if err != nil {
		t.Fatalf("budget spec failed: %v", err)
	}
	if _, ok := budget.(StatefulGuard); !ok {
		t.Fatal("expected budget guard to be stateful")
	}

	single, err := FromSpec(s, Spec{Type: TypeSingleTx, Name: "s", Amount: "10"})
	if err != nil {
		t.Fatalf("single tx spec failed: %v", err)
	}
	if _, ok := single.(StatefulGuard); ok {
		t.Fatal("expected single tx guard to be check-only")
	}
}
