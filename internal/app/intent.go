/**
 * @description
 * PaymentIntentService owns the payment intent record and its state machine:
 * requires_confirmation -> confirmed | canceled (terminal), plus expired once
 * the confirmation window passes. Intents are mutated only through
 * UpdateStatus and Cancel; everything else in the system treats them as
 * read-only.
 *
 * Expiry is lazy: there is no background sweeper, the transition happens when
 * an expired intent is next read. The orchestrating facade releases the
 * reservation and guard state when it observes that transition.
 *
 * @dependencies
 * - internal/domain, internal/store.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrIntentNotFound means the intent id is unknown. Caller error, fatal
	// to that call.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrIntentFinalized means the intent is already in a terminal state and
	// cannot transition again.
	ErrIntentFinalized = errors.New("payment intent already finalized")
)

// PaymentIntentService persists payment intents in the atomic store.
type PaymentIntentService struct {
	store store.AtomicStore

	now func() time.Time // swappable clock for expiry tests
}

// NewPaymentIntentService creates an intent service over the given store.
func NewPaymentIntentService(atomicStore store.AtomicStore) *PaymentIntentService {
	return &PaymentIntentService{store: atomicStore, now: time.Now}
}

// CreateIntentParams carries the validated inputs for a new intent.
type CreateIntentParams struct {
	WalletID  string
	Recipient string
	Amount    decimal.Decimal
	Currency  string
	Purpose   string
	Metadata  map[string]string
	ExpiresIn time.Duration // 0 = never expires
}

// Create generates an id, computes the expiry, and persists the intent in
// requires_confirmation.
func (s *PaymentIntentService) Create(ctx context.Context, params CreateIntentParams) (*domain.PaymentIntent, error) {
	now := s.now().UTC()
	intent := &domain.PaymentIntent{
		ID:        uuid.New(),
		WalletID:  params.WalletID,
		Recipient: params.Recipient,
		Amount:    params.Amount,
		Currency:  params.Currency,
		Status:    domain.IntentStatusRequiresConfirmation,
		Purpose:   params.Purpose,
		Metadata:  params.Metadata,
		CreatedAt: now,
	}
	if params.ExpiresIn > 0 {
		expiresAt := now.Add(params.ExpiresIn)
		intent.ExpiresAt = &expiresAt
	}

	if err := s.save(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// Get retrieves an intent, lazily transitioning a timed-out
// requires_confirmation intent to expired before returning it.
func (s *PaymentIntentService) Get(ctx context.Context, intentID uuid.UUID) (*domain.PaymentIntent, error) {
	intent, err := s.load(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if intent.Status == domain.IntentStatusRequiresConfirmation && intent.Expired(s.now().UTC()) {
		intent.Status = domain.IntentStatusExpired
		if err := s.save(ctx, intent); err != nil {
			return nil, err
		}
	}
	return intent, nil
}

// UpdateStatus transitions the intent. Transitions out of a terminal state
// fail with ErrIntentFinalized.
func (s *PaymentIntentService) UpdateStatus(ctx context.Context, intentID uuid.UUID, status domain.IntentStatus) (*domain.PaymentIntent, error) {
	intent, err := s.load(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentFinalized, intentID, intent.Status)
	}

	intent.Status = status
	if err := s.save(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// Cancel transitions the intent to canceled, recording an optional
// human-readable reason.
func (s *PaymentIntentService) Cancel(ctx context.Context, intentID uuid.UUID, reason *string) (*domain.PaymentIntent, error) {
	intent, err := s.load(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentFinalized, intentID, intent.Status)
	}

	intent.Status = domain.IntentStatusCanceled
	intent.CancelReason = reason
	if err := s.save(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *PaymentIntentService) load(ctx context.Context, intentID uuid.UUID) (*domain.PaymentIntent, error) {
	raw, err := s.store.Get(ctx, store.CollectionIntent, intentID.String())
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}

	var intent domain.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("payment intent: corrupt record %s: %w", intentID, err)
	}
	return &intent, nil
}

func (s *PaymentIntentService) save(ctx context.Context, intent *domain.PaymentIntent) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("payment intent: marshal: %w", err)
	}
	return s.store.Save(ctx, store.CollectionIntent, intent.ID.String(), raw)
}
