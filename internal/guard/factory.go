/**
 * @description
 * Factory building guards from declarative descriptors, the form the admin
 * API accepts. Each guard type maps to one descriptor shape; unknown types
 * and malformed parameters are rejected up front so a chain never contains a
 * half-configured guard.
 */

package guard

import (
	"fmt"
	"strings"

	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/shopspring/decimal"
)

// Guard type names accepted by the factory.
const (
	TypeBudget    = "budget"
	TypeRateLimit = "rate_limit"
	TypeRisk      = "risk"
	TypeSingleTx  = "single_tx"
	TypeRecipient = "recipient"
	TypeConfirm   = "confirm"
)

// Spec is the declarative description of one guard. Amount fields are decimal
// strings; absent optional fields leave the corresponding limit unset.
type Spec struct {
	Type string `json:"type"`
	Name string `json:"name"`

	// budget
	HourlyLimit string `json:"hourly_limit,omitempty"`
	DailyLimit  string `json:"daily_limit,omitempty"`
	TotalLimit  string `json:"total_limit,omitempty"`

	// rate_limit
	MaxPerMinute int64 `json:"max_per_minute,omitempty"`

	// risk
	LowThreshold  float64      `json:"low_threshold,omitempty"`
	HighThreshold float64      `json:"high_threshold,omitempty"`
	Factors       []FactorSpec `json:"factors,omitempty"`

	// single_tx and confirm
	Amount string `json:"amount,omitempty"`

	// recipient
	Allowed []string `json:"allowed,omitempty"`
	Denied  []string `json:"denied,omitempty"`
}

// FactorSpec describes one risk factor. Only the amount factor is buildable
// declaratively; custom factors are wired in code.
type FactorSpec struct {
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
	Low    string  `json:"low,omitempty"`
	High   string  `json:"high,omitempty"`
}

// FactorTypeAmount is the declarative amount risk factor.
const FactorTypeAmount = "amount"

// FromSpec validates the descriptor and builds the guard. The store is only
// used by stateful guard types.
func FromSpec(atomicStore store.AtomicStore, spec Spec) (Guard, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("guard name is required")
	}

	switch strings.TrimSpace(spec.Type) {
	case TypeBudget:
		return budgetFromSpec(atomicStore, name, spec)
	case TypeRateLimit:
		if spec.MaxPerMinute <= 0 {
			return nil, fmt.Errorf("guard %s: max_per_minute must be positive", name)
		}
		return NewRateLimitGuard(atomicStore, name, spec.MaxPerMinute), nil
	case TypeRisk:
		return riskFromSpec(name, spec)
	case TypeSingleTx:
		max, err := requiredAmount(name, "amount", spec.Amount)
		if err != nil {
			return nil, err
		}
		return NewSingleTxGuard(name, max), nil
	case TypeRecipient:
		if len(spec.Allowed) == 0 && len(spec.Denied) == 0 {
			return nil, fmt.Errorf("guard %s: recipient guard needs an allowlist or a denylist", name)
		}
		return NewRecipientGuard(name, spec.Allowed, spec.Denied), nil
	case TypeConfirm:
		threshold, err := requiredAmount(name, "amount", spec.Amount)
		if err != nil {
			return nil, err
		}
		return NewConfirmGuard(name, threshold), nil
	default:
		return nil, fmt.Errorf("unknown guard type %q", spec.Type)
	}
}

func budgetFromSpec(atomicStore store.AtomicStore, name string, spec Spec) (Guard, error) {
	cfg := BudgetConfig{}
	var err error
	if cfg.Hourly, err = optionalAmount(name, "hourly_limit", spec.HourlyLimit); err != nil {
		return nil, err
	}
	if cfg.Daily, err = optionalAmount(name, "daily_limit", spec.DailyLimit); err != nil {
		return nil, err
	}
	if cfg.Total, err = optionalAmount(name, "total_limit", spec.TotalLimit); err != nil {
		return nil, err
	}
	if cfg.Hourly == nil && cfg.Daily == nil && cfg.Total == nil {
		return nil, fmt.Errorf("guard %s: budget guard needs at least one limit", name)
	}
	return NewBudgetGuard(atomicStore, name, cfg), nil
}

func riskFromSpec(name string, spec Spec) (Guard, error) {
	if spec.HighThreshold <= 0 || spec.LowThreshold < 0 || spec.HighThreshold <= spec.LowThreshold {
		return nil, fmt.Errorf("guard %s: risk thresholds must satisfy 0 <= low < high", name)
	}
	if len(spec.Factors) == 0 {
		return nil, fmt.Errorf("guard %s: risk guard needs at least one factor", name)
	}

	factors := make([]Factor, 0, len(spec.Factors))
	for _, f := range spec.Factors {
		switch strings.TrimSpace(f.Type) {
		case FactorTypeAmount:
			low, err := requiredAmount(name, "factor low", f.Low)
			if err != nil {
				return nil, err
			}
			high, err := requiredAmount(name, "factor high", f.High)
			if err != nil {
				return nil, err
			}
			if f.Weight <= 0 {
				return nil, fmt.Errorf("guard %s: factor weight must be positive", name)
			}
			if !high.GreaterThan(low) {
				return nil, fmt.Errorf("guard %s: factor high must exceed low", name)
			}
			factors = append(factors, NewAmountFactor(f.Weight, low, high))
		default:
			return nil, fmt.Errorf("guard %s: unknown factor type %q", name, f.Type)
		}
	}
	return NewRiskGuard(name, spec.LowThreshold, spec.HighThreshold, factors...), nil
}

func requiredAmount(guardName, field, value string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("guard %s: %s must be a positive decimal", guardName, field)
	}
	return amount, nil
}

func optionalAmount(guardName, field, value string) (*decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	amount, err := requiredAmount(guardName, field, value)
	if err != nil {
		return nil, err
	}
	return &amount, nil
}
