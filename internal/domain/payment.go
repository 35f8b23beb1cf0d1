/**
 * @description
 * This file defines the core domain models for the spendguard-service.
 * These structs represent the entities flowing through admission control:
 * the candidate payment, guard verdicts, fund reservations, and the
 * two-phase payment intent record.
 *
 * @notes
 * - Amounts use shopspring/decimal so budget arithmetic is exact; agents
 *   submit amounts as decimal strings and we never round them through floats.
 * - PaymentContext is built once per admission attempt and never mutated;
 *   every guard sees the same snapshot.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentStatus is the lifecycle state of a PaymentIntent.
type IntentStatus string

const (
	IntentStatusRequiresConfirmation IntentStatus = "requires_confirmation"
	IntentStatusConfirmed            IntentStatus = "confirmed"
	IntentStatusCanceled             IntentStatus = "canceled"
	IntentStatusExpired              IntentStatus = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusConfirmed || s == IntentStatusCanceled || s == IntentStatusExpired
}

// PaymentContext describes one candidate payment. It is immutable: built once
// per admission check and passed by value through the guard chain.
type PaymentContext struct {
	WalletID  string            `json:"wallet_id"`
	Recipient string            `json:"recipient"`
	Amount    decimal.Decimal   `json:"amount"`
	Purpose   string            `json:"purpose,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewPaymentContext builds an immutable context stamped with the current time.
func NewPaymentContext(walletID, recipient string, amount decimal.Decimal, purpose string, metadata map[string]string) PaymentContext {
	return PaymentContext{
		WalletID:  walletID,
		Recipient: recipient,
		Amount:    amount,
		Purpose:   purpose,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// GuardResult is the verdict of a single guard evaluation. It carries no side
// effects; stateful guards mutate counters only through reserve/commit/release.
type GuardResult struct {
	Allowed   bool              `json:"allowed"`
	GuardName string            `json:"guard_name"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Reservation is a provisional hold on wallet funds tied to a payment intent.
// Its existence is the sole source of truth for "funds currently on hold";
// available balance = ledger balance - sum of active reservations.
type Reservation struct {
	WalletID  string          `json:"wallet_id"`
	Amount    decimal.Decimal `json:"amount"`
	IntentID  uuid.UUID       `json:"intent_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// PaymentIntent is the two-phase-commit record for a payment that has passed
// admission control but not yet executed. Owned exclusively by the intent
// service; mutated only through UpdateStatus/Cancel.
type PaymentIntent struct {
	ID           uuid.UUID         `json:"id"`
	WalletID     string            `json:"wallet_id"`
	Recipient    string            `json:"recipient"`
	Amount       decimal.Decimal   `json:"amount"`
	Currency     string            `json:"currency"`
	Status       IntentStatus      `json:"status"`
	Purpose      string            `json:"purpose,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CancelReason *string           `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether the intent's confirmation window has passed at now.
// Intents without an expiry never expire.
func (p *PaymentIntent) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ExecutionResult is the outcome reported by the external execution
// collaborator after a confirmed intent's funds actually moved.
type ExecutionResult struct {
	IntentID    uuid.UUID       `json:"intent_id"`
	ReferenceID string          `json:"reference_id"`
	Status      string          `json:"status"`
	Fee         decimal.Decimal `json:"fee"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// CreateIntentRequest is the DTO for incoming intent creation API requests.
type CreateIntentRequest struct {
	WalletID         string            `json:"wallet_id"`
	Recipient        string            `json:"recipient"`
	Amount           string            `json:"amount"` // decimal string
	Currency         string            `json:"currency,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ExpiresInSeconds int64             `json:"expires_in_seconds,omitempty"`
}

// CancelIntentRequest is the DTO for intent cancellation API requests.
type CancelIntentRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// SimulationResult is the structured dry-run verdict returned by the
// simulation endpoint. It never raises: denial is data, not an error.
type SimulationResult struct {
	WouldSucceed bool          `json:"would_succeed"`
	Reason       string        `json:"reason,omitempty"`
	Results      []GuardResult `json:"results"`
}

// AvailableBalance is the wallet availability view: ledger balance reported by
// the execution collaborator minus the sum of active reservations.
type AvailableBalance struct {
	WalletID      string          `json:"wallet_id"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Reserved      decimal.Decimal `json:"reserved"`
	Available     decimal.Decimal `json:"available"`
}
