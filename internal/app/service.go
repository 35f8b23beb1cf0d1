/**
 * @description
 * This file contains the orchestrating facade for the spendguard-service. The
 * `Service` struct ties guard evaluation, wallet locking, fund reservation,
 * and the payment intent state machine into the two-phase workflow exposed to
 * callers: create (admit + hold) -> confirm (execute + settle bookkeeping) or
 * cancel (release everything).
 *
 * Key properties:
 * - Admission is all-or-nothing: any failure after guards reserved capacity
 *   compensates every partial effect before the error is returned.
 * - Actual fund movement is delegated to the external execution collaborator;
 *   this service owns only the before/after bookkeeping.
 * - Lifecycle events are published for sibling services; publishing is best
 *   effort and never fails a payment.
 *
 * @dependencies
 * - internal/domain, internal/guard, internal/store: core types and policies.
 * - pkg/rabbitmq: lifecycle event publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/guard"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/agentrails/spendguard-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidWallet    = errors.New("wallet id is required")
	ErrInvalidRecipient = errors.New("recipient is required")
	ErrInvalidAmount    = errors.New("amount must be a positive decimal")
	// ErrLockUnavailable is transient: the wallet lock could not be acquired
	// within the retry budget. Callers should back off and retry; this is not
	// a policy failure.
	ErrLockUnavailable = errors.New("wallet lock unavailable")
	// ErrIntentExpired means the confirmation window passed before the call.
	ErrIntentExpired = errors.New("payment intent expired")
)

const guardReservationCollection = "guard_reservations"

// eventsExchange is the topic exchange lifecycle events are published to.
const eventsExchange = "spendguard.events"

// Executor is the external execution collaborator. It moves the funds of a
// confirmed intent and reports the wallet's ledger balance; everything about
// how it settles is out of this service's hands.
type Executor interface {
	Execute(ctx context.Context, intent *domain.PaymentIntent) (*domain.ExecutionResult, error)
	LedgerBalance(ctx context.Context, walletID string) (decimal.Decimal, error)
}

// ServiceConfig carries the facade's tunables.
type ServiceConfig struct {
	DefaultCurrency string
	// DefaultIntentTTL bounds the confirmation window of intents whose
	// request carries no explicit expiry. Zero means such intents never
	// expire.
	DefaultIntentTTL time.Duration
	LockTTL          time.Duration
	LockRetryCount   int
	LockRetryDelay   time.Duration
}

// Service provides the payment intent facade.
type Service struct {
	guards       *guard.Manager
	locks        *FundLockService
	reservations *ReservationService
	intents      *PaymentIntentService
	store        store.AtomicStore
	executor     Executor
	events       rabbitmq.Publisher
	cfg          ServiceConfig
}

// NewService wires the facade from its collaborators. events may be nil when
// no broker is configured.
func NewService(
	atomicStore store.AtomicStore,
	guards *guard.Manager,
	locks *FundLockService,
	reservations *ReservationService,
	intents *PaymentIntentService,
	executor Executor,
	events rabbitmq.Publisher,
	cfg ServiceConfig,
) *Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 100 * time.Millisecond
	}
	return &Service{
		guards:       guards,
		locks:        locks,
		reservations: reservations,
		intents:      intents,
		store:        atomicStore,
		executor:     executor,
		events:       events,
		cfg:          cfg,
	}
}

// Guards exposes the registry for the admin surface.
func (s *Service) Guards() *guard.Manager { return s.guards }

func (s *Service) parseRequest(req domain.CreateIntentRequest) (domain.PaymentContext, decimal.Decimal, error) {
	if strings.TrimSpace(req.WalletID) == "" {
		return domain.PaymentContext{}, decimal.Zero, ErrInvalidWallet
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return domain.PaymentContext{}, decimal.Zero, ErrInvalidRecipient
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return domain.PaymentContext{}, decimal.Zero, ErrInvalidAmount
	}
	payment := domain.NewPaymentContext(req.WalletID, req.Recipient, amount, req.Purpose, req.Metadata)
	return payment, amount, nil
}

// CreateIntent runs the full admission path: serialize on the wallet lock,
// reserve guard capacity, record the fund hold, and persist the intent in
// requires_confirmation. Any failure past the guard phase compensates every
// partial effect before returning.
func (s *Service) CreateIntent(ctx context.Context, req domain.CreateIntentRequest) (*domain.PaymentIntent, error) {
	payment, amount, err := s.parseRequest(req)
	if err != nil {
		return nil, err
	}

	lockToken, acquired, err := s.locks.Acquire(ctx, payment.WalletID, amount, s.cfg.LockTTL, s.cfg.LockRetryCount, s.cfg.LockRetryDelay)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockUnavailable
	}
	defer func() {
		// The release must outlive request cancellation or the wallet stays
		// locked until the TTL lapses.
		releaseCtx := context.WithoutCancel(ctx)
		if _, releaseErr := s.locks.ReleaseWithKey(releaseCtx, payment.WalletID, lockToken); releaseErr != nil {
			log.Printf("level=error component=payments msg=\"wallet lock release failed\" wallet_id=%s err=%v", payment.WalletID, releaseErr)
		}
	}()

	chain := s.guards.ChainFor(payment.WalletID)
	reserved, err := chain.Reserve(ctx, payment)
	if err != nil {
		s.publishDenial(ctx, payment, err)
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	expiresIn := time.Duration(req.ExpiresInSeconds) * time.Second
	if req.ExpiresInSeconds <= 0 {
		expiresIn = s.cfg.DefaultIntentTTL
	}
	intent, err := s.intents.Create(ctx, CreateIntentParams{
		WalletID:  payment.WalletID,
		Recipient: payment.Recipient,
		Amount:    amount,
		Currency:  currency,
		Purpose:   payment.Purpose,
		Metadata:  payment.Metadata,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		reserved.Release(ctx)
		return nil, err
	}

	if _, err := s.reservations.Reserve(ctx, payment.WalletID, amount, intent.ID); err != nil {
		reserved.Release(ctx)
		s.abortIntent(ctx, intent.ID, "fund hold persistence failed")
		return nil, err
	}

	if err := s.saveGuardTokens(ctx, intent.ID, reserved.Tokens()); err != nil {
		reserved.Release(ctx)
		if _, releaseErr := s.reservations.Release(ctx, intent.ID); releaseErr != nil {
			log.Printf("level=error component=payments msg=\"hold rollback failed\" intent_id=%s err=%v", intent.ID, releaseErr)
		}
		s.abortIntent(ctx, intent.ID, "guard token persistence failed")
		return nil, err
	}

	log.Printf("level=info component=payments msg=\"intent created\" intent_id=%s wallet_id=%s recipient=%s amount=%s",
		intent.ID, intent.WalletID, intent.Recipient, intent.Amount.String())
	s.publishLifecycle(ctx, "intent.created", intent, nil)
	return intent, nil
}

// ConfirmIntent executes the second phase: verify the intent is still
// confirmable, hand off to the execution collaborator, then commit guard
// state and release the fund hold.
func (s *Service) ConfirmIntent(ctx context.Context, intentID uuid.UUID) (*domain.ExecutionResult, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if intent.Status == domain.IntentStatusExpired {
		s.releaseHolds(ctx, intent)
		return nil, ErrIntentExpired
	}
	if intent.Status != domain.IntentStatusRequiresConfirmation {
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentFinalized, intentID, intent.Status)
	}

	result, err := s.executor.Execute(ctx, intent)
	if err != nil {
		// The intent stays confirmable; the caller may retry or cancel.
		log.Printf("level=warn component=payments msg=\"execution failed\" intent_id=%s err=%v", intentID, err)
		return nil, fmt.Errorf("execution failed: %w", err)
	}

	confirmed, err := s.intents.UpdateStatus(ctx, intentID, domain.IntentStatusConfirmed)
	if err != nil {
		// Funds moved but the status write failed. Surface loudly; the record
		// needs manual reconciliation.
		log.Printf("level=error component=payments msg=\"funds moved but status update failed\" intent_id=%s reference_id=%s err=%v",
			intentID, result.ReferenceID, err)
		return nil, fmt.Errorf("failed to persist confirmation for executed intent %s: %w", intentID, err)
	}

	s.commitHolds(ctx, confirmed)
	log.Printf("level=info component=payments msg=\"intent confirmed\" intent_id=%s reference_id=%s", intentID, result.ReferenceID)
	s.publishLifecycle(ctx, "intent.confirmed", confirmed, nil)
	return result, nil
}

// CancelIntent releases the fund hold and rolls back guard state; no guard
// state is committed on this path.
func (s *Service) CancelIntent(ctx context.Context, intentID uuid.UUID, reason *string) (*domain.PaymentIntent, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == domain.IntentStatusExpired {
		s.releaseHolds(ctx, intent)
		return nil, ErrIntentExpired
	}

	canceled, err := s.intents.Cancel(ctx, intentID, reason)
	if err != nil {
		return nil, err
	}

	s.releaseHolds(ctx, canceled)
	log.Printf("level=info component=payments msg=\"intent canceled\" intent_id=%s", intentID)
	s.publishLifecycle(ctx, "intent.canceled", canceled, reason)
	return canceled, nil
}

// GetIntent returns the intent, applying lazy expiry and releasing the holds
// of an intent observed expired.
func (s *Service) GetIntent(ctx context.Context, intentID uuid.UUID) (*domain.PaymentIntent, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == domain.IntentStatusExpired {
		s.releaseHolds(ctx, intent)
	}
	return intent, nil
}

// Simulate dry-runs the wallet's chain against a candidate payment and
// returns every guard's verdict. Denial is data here, never an error.
func (s *Service) Simulate(ctx context.Context, req domain.CreateIntentRequest) (*domain.SimulationResult, error) {
	payment, _, err := s.parseRequest(req)
	if err != nil {
		return nil, err
	}

	results, err := s.guards.ChainFor(payment.WalletID).Check(ctx, payment)
	if err != nil {
		return nil, err
	}

	simulation := &domain.SimulationResult{WouldSucceed: true, Results: results}
	for _, r := range results {
		if !r.Allowed {
			simulation.WouldSucceed = false
			simulation.Reason = r.Reason
			break
		}
	}
	return simulation, nil
}

// AvailableBalance computes the wallet availability view: the collaborator's
// ledger balance minus the sum of active holds.
func (s *Service) AvailableBalance(ctx context.Context, walletID string) (*domain.AvailableBalance, error) {
	ledger, err := s.executor.LedgerBalance(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger balance: %w", err)
	}
	reserved, err := s.reservations.GetReservedTotal(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &domain.AvailableBalance{
		WalletID:      walletID,
		LedgerBalance: ledger,
		Reserved:      reserved,
		Available:     ledger.Sub(reserved),
	}, nil
}

// guardTokenRecord is the persisted set of guard reservations for one intent.
type guardTokenRecord struct {
	IntentID string                `json:"intent_id"`
	Tokens   []guard.ReservedToken `json:"tokens"`
}

func (s *Service) saveGuardTokens(ctx context.Context, intentID uuid.UUID, tokens []guard.ReservedToken) error {
	raw, err := json.Marshal(guardTokenRecord{IntentID: intentID.String(), Tokens: tokens})
	if err != nil {
		return fmt.Errorf("marshal guard tokens: %w", err)
	}
	return s.store.Save(ctx, guardReservationCollection, intentID.String(), raw)
}

func (s *Service) loadGuardTokens(ctx context.Context, intentID uuid.UUID) []guard.ReservedToken {
	raw, err := s.store.Get(ctx, guardReservationCollection, intentID.String())
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		log.Printf("level=error component=payments msg=\"guard token load failed\" intent_id=%s err=%v", intentID, err)
		return nil
	}
	var record guardTokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		log.Printf("level=error component=payments msg=\"corrupt guard token record\" intent_id=%s err=%v", intentID, err)
		return nil
	}
	return record.Tokens
}

func (s *Service) dropGuardTokens(ctx context.Context, intentID uuid.UUID) {
	if _, err := s.store.Delete(ctx, guardReservationCollection, intentID.String()); err != nil {
		log.Printf("level=error component=payments msg=\"guard token cleanup failed\" intent_id=%s err=%v", intentID, err)
	}
}

// commitHolds finalizes guard state and releases the fund hold for a
// confirmed intent.
func (s *Service) commitHolds(ctx context.Context, intent *domain.PaymentIntent) {
	tokens := s.loadGuardTokens(ctx, intent.ID)
	s.guards.ChainFor(intent.WalletID).RebuildReservedSet(tokens).Commit(ctx)
	s.dropGuardTokens(ctx, intent.ID)

	if _, err := s.reservations.Release(ctx, intent.ID); err != nil {
		log.Printf("level=error component=payments msg=\"hold release failed after confirm\" intent_id=%s err=%v", intent.ID, err)
	}
}

// releaseHolds rolls back guard state and releases the fund hold for an
// intent that will never execute. Idempotent, so repeat observation of an
// expired intent is harmless.
func (s *Service) releaseHolds(ctx context.Context, intent *domain.PaymentIntent) {
	tokens := s.loadGuardTokens(ctx, intent.ID)
	s.guards.ChainFor(intent.WalletID).RebuildReservedSet(tokens).Release(ctx)
	s.dropGuardTokens(ctx, intent.ID)

	if _, err := s.reservations.Release(ctx, intent.ID); err != nil {
		log.Printf("level=error component=payments msg=\"hold release failed\" intent_id=%s err=%v", intent.ID, err)
	}
}

// abortIntent cancels a just-created intent whose admission could not be
// completed. Best effort: the intent is already invisible to callers because
// creation returns an error.
func (s *Service) abortIntent(ctx context.Context, intentID uuid.UUID, reason string) {
	if _, err := s.intents.Cancel(ctx, intentID, &reason); err != nil {
		log.Printf("level=error component=payments msg=\"intent abort failed\" intent_id=%s reason=%q err=%v", intentID, reason, err)
	}
}

func (s *Service) publishLifecycle(ctx context.Context, routingKey string, intent *domain.PaymentIntent, reason *string) {
	if s.events == nil {
		return
	}
	event := rabbitmq.IntentLifecycleEvent{
		IntentID:  intent.ID,
		WalletID:  intent.WalletID,
		Recipient: intent.Recipient,
		Amount:    intent.Amount.String(),
		Currency:  intent.Currency,
		Status:    string(intent.Status),
		Timestamp: time.Now().UTC(),
	}
	if reason != nil {
		event.Reason = *reason
	}
	if err := s.events.Publish(ctx, eventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=payments msg=\"lifecycle event publish failed\" routing_key=%s intent_id=%s err=%v", routingKey, intent.ID, err)
	}
}

func (s *Service) publishDenial(ctx context.Context, payment domain.PaymentContext, denial error) {
	var policyErr *guard.PolicyDeniedError
	var flaggedErr *guard.RiskFlaggedError
	var blockedErr *guard.RiskBlockedError
	if !errors.As(denial, &policyErr) && !errors.As(denial, &flaggedErr) && !errors.As(denial, &blockedErr) {
		return // storage fault, not a policy outcome
	}

	log.Printf("level=info component=payments msg=\"payment denied\" wallet_id=%s recipient=%s amount=%s reason=%q",
		payment.WalletID, payment.Recipient, payment.Amount.String(), denial.Error())
	if s.events == nil {
		return
	}
	event := rabbitmq.PaymentDeniedEvent{
		WalletID:  payment.WalletID,
		Recipient: payment.Recipient,
		Amount:    payment.Amount.String(),
		Reason:    denial.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, eventsExchange, "payment.denied", event); err != nil {
		log.Printf("level=warn component=payments msg=\"denial event publish failed\" wallet_id=%s err=%v", payment.WalletID, err)
	}
}
