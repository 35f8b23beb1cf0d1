package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/guard"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// stubExecutor is a controllable execution collaborator.
type stubExecutor struct {
	executed []uuid.UUID
	failWith error
	balance  decimal.Decimal
}

func (e *stubExecutor) Execute(ctx context.Context, intent *domain.PaymentIntent) (*domain.ExecutionResult, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	e.executed = append(e.executed, intent.ID)
	return &domain.ExecutionResult{
		IntentID:    intent.ID,
		ReferenceID: "ref-" + intent.ID.String()[:8],
		Status:      "completed",
		ExecutedAt:  time.Now().UTC(),
	}, nil
}

func (e *stubExecutor) LedgerBalance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	return e.balance, nil
}

// stubPublisher records published lifecycle events.
type stubPublisher struct {
	events []string // "exchange/routingKey"
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.events = append(p.events, fmt.Sprintf("%s/%s", exchange, routingKey))
	return nil
}

func (p *stubPublisher) Close() {}

func (p *stubPublisher) contains(event string) bool {
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type serviceFixture struct {
	service   *Service
	store     *store.MemoryStore
	executor  *stubExecutor
	publisher *stubPublisher
	guards    *guard.Manager
	intents   *PaymentIntentService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	memStore := store.NewMemoryStore()
	guards := guard.NewManager()
	executor := &stubExecutor{balance: decimal.NewFromInt(1000)}
	publisher := &stubPublisher{}
	intents := NewPaymentIntentService(memStore)

	locks := NewFundLockService(memStore)
	locks.sleep = func(time.Duration) {}

	svc := NewService(
		memStore,
		guards,
		locks,
		NewReservationService(memStore),
		intents,
		executor,
		publisher,
		ServiceConfig{DefaultCurrency: "USD", LockTTL: time.Minute, LockRetryCount: 0, LockRetryDelay: time.Millisecond},
	)
	return &serviceFixture{
		service:   svc,
		store:     memStore,
		executor:  executor,
		publisher: publisher,
		guards:    guards,
		intents:   intents,
	}
}

func (f *serviceFixture) attachBudget(t *testing.T, walletID, hourly string) {
	t.Helper()
	g, err := guard.FromSpec(f.store, guard.Spec{Type: guard.TypeBudget, Name: "budget", HourlyLimit: hourly})
	if err != nil {
		t.Fatalf("budget spec failed: %v", err)
	}
	f.guards.AddGuard(walletID, g)
}

func createRequest(amount string) domain.CreateIntentRequest {
	return domain.CreateIntentRequest{
		WalletID:  "w1",
		Recipient: "merchant-1",
		Amount:    amount,
	}
}

func TestService_CreateConfirmLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	f.attachBudget(t, "w1", "100")
	ctx := context.Background()

	intent, err := f.service.CreateIntent(ctx, createRequest("40"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if intent.Status != domain.IntentStatusRequiresConfirmation {
		t.Fatalf("expected requires_confirmation, got %s", intent.Status)
	}
	if intent.Currency != "USD" {
		t.Fatalf("expected default currency, got %q", intent.Currency)
	}
	if !f.publisher.contains("spendguard.events/intent.created") {
		t.Fatalf("expected intent.created event, got %v", f.publisher.events)
	}

	// The hold is visible through the availability view.
	balance, err := f.service.AvailableBalance(ctx, "w1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if !balance.Reserved.Equal(decimal.NewFromInt(40)) || !balance.Available.Equal(decimal.NewFromInt(960)) {
		t.Fatalf("expected reserved=40 available=960, got reserved=%s available=%s", balance.Reserved, balance.Available)
	}

	result, err := f.service.ConfirmIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if result.ReferenceID == "" || len(f.executor.executed) != 1 {
		t.Fatal("expected the executor to have been invoked once")
	}
	if !f.publisher.contains("spendguard.events/intent.confirmed") {
		t.Fatalf("expected intent.confirmed event, got %v", f.publisher.events)
	}

	loaded, err := f.service.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Status != domain.IntentStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", loaded.Status)
	}

	// The hold is gone; the budget spend stays consumed.
	balance, _ = f.service.AvailableBalance(ctx, "w1")
	if !balance.Reserved.IsZero() {
		t.Fatalf("expected no holds after confirm, got %s", balance.Reserved)
	}
	if _, err := f.service.CreateIntent(ctx, createRequest("61")); err == nil {
		t.Fatal("expected the confirmed spend to still count against the budget")
	}

	// Confirming again is rejected.
	if _, err := f.service.ConfirmIntent(ctx, intent.ID); !errors.Is(err, ErrIntentFinalized) {
		t.Fatalf("expected ErrIntentFinalized on repeat confirm, got %v", err)
	}
}

func TestService_CancelRestoresBudgetAndHold(t *testing.T) {
	f := newServiceFixture(t)
	f.attachBudget(t, "w1", "100")
	ctx := context.Background()

	intent, err := f.service.CreateIntent(ctx, createRequest("80"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	reason := "operator abort"
	canceled, err := f.service.CancelIntent(ctx, intent.ID, &reason)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if canceled.Status != domain.IntentStatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}
	if !f.publisher.contains("spendguard.events/intent.canceled") {
		t.Fatalf("expected intent.canceled event, got %v", f.publisher.events)
	}

	balance, _ := f.service.AvailableBalance(ctx, "w1")
	if !balance.Reserved.IsZero() {
		t.Fatalf("expected hold released on cancel, got %s", balance.Reserved)
	}

	// Budget capacity came back: the full limit is available again.
	if _, err := f.service.CreateIntent(ctx, createRequest("100")); err != nil {
		t.Fatalf("expected released budget capacity to admit, got %v", err)
	}
}

func TestService_DenialLeavesNoResidue(t *testing.T) {
	f := newServiceFixture(t)
	f.attachBudget(t, "w1", "50")
	ctx := context.Background()

	_, err := f.service.CreateIntent(ctx, createRequest("51"))
	var denied *guard.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	if !f.publisher.contains("spendguard.events/payment.denied") {
		t.Fatalf("expected payment.denied event, got %v", f.publisher.events)
	}

	balance, _ := f.service.AvailableBalance(ctx, "w1")
	if !balance.Reserved.IsZero() {
		t.Fatalf("expected no holds after denial, got %s", balance.Reserved)
	}

	// The wallet lock was released and the budget rolled back.
	if _, err := f.service.CreateIntent(ctx, createRequest("50")); err != nil {
		t.Fatalf("expected full budget still available, got %v", err)
	}
}

func TestService_ExecutorFailureKeepsIntentConfirmable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	intent, err := f.service.CreateIntent(ctx, createRequest("10"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.executor.failWith = errors.New("execution api down")
	if _, err := f.service.ConfirmIntent(ctx, intent.ID); err == nil {
		t.Fatal("expected confirm to surface the execution failure")
	}

	loaded, _ := f.service.GetIntent(ctx, intent.ID)
	if loaded.Status != domain.IntentStatusRequiresConfirmation {
		t.Fatalf("expected intent to stay confirmable, got %s", loaded.Status)
	}
	balance, _ := f.service.AvailableBalance(ctx, "w1")
	if !balance.Reserved.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected hold retained after failed execution, got %s", balance.Reserved)
	}

	// A retry after the collaborator recovers succeeds.
	f.executor.failWith = nil
	if _, err := f.service.ConfirmIntent(ctx, intent.ID); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestService_ExpiredIntentReleasesHoldsOnConfirm(t *testing.T) {
	f := newServiceFixture(t)
	f.attachBudget(t, "w1", "100")
	current := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.intents.now = func() time.Time { return current }
	ctx := context.Background()

	req := createRequest("60")
	req.ExpiresInSeconds = 300
	intent, err := f.service.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	current = current.Add(10 * time.Minute)
	if _, err := f.service.ConfirmIntent(ctx, intent.ID); !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected ErrIntentExpired, got %v", err)
	}
	if len(f.executor.executed) != 0 {
		t.Fatal("expected no execution for an expired intent")
	}

	balance, _ := f.service.AvailableBalance(ctx, "w1")
	if !balance.Reserved.IsZero() {
		t.Fatalf("expected hold released on expiry, got %s", balance.Reserved)
	}
	// Budget capacity restored.
	if _, err := f.service.CreateIntent(ctx, createRequest("100")); err != nil {
		t.Fatalf("expected budget restored after expiry, got %v", err)
	}
}

func TestService_SimulateHasNoSideEffects(t *testing.T) {
	f := newServiceFixture(t)
	f.attachBudget(t, "w1", "100")
	f.guards.AddGuard("w1", guard.NewSingleTxGuard("per_tx", decimal.NewFromInt(50)))
	ctx := context.Background()

	sim, err := f.service.Simulate(ctx, createRequest("60"))
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if sim.WouldSucceed {
		t.Fatal("expected simulation to predict denial")
	}
	if len(sim.Results) != 2 {
		t.Fatalf("expected a verdict per guard, got %d", len(sim.Results))
	}

	// Simulation consumed nothing: the full budget still admits.
	if _, err := f.service.CreateIntent(ctx, createRequest("50")); err != nil {
		t.Fatalf("expected untouched budget after simulation, got %v", err)
	}
}

func TestService_InputValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		req  domain.CreateIntentRequest
		want error
	}{
		{domain.CreateIntentRequest{WalletID: "", Recipient: "r", Amount: "1"}, ErrInvalidWallet},
		{domain.CreateIntentRequest{WalletID: "w", Recipient: "", Amount: "1"}, ErrInvalidRecipient},
		{domain.CreateIntentRequest{WalletID: "w", Recipient: "r", Amount: "abc"}, ErrInvalidAmount},
		{domain.CreateIntentRequest{WalletID: "w", Recipient: "r", Amount: "0"}, ErrInvalidAmount},
		{domain.CreateIntentRequest{WalletID: "w", Recipient: "r", Amount: "-5"}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		if _, err := f.service.CreateIntent(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("request %+v: expected %v, got %v", tc.req, tc.want, err)
		}
	}
}

func TestService_DefaultIntentTTLBoundsOmittedExpiry(t *testing.T) {
	memStore := store.NewMemoryStore()
	intents := NewPaymentIntentService(memStore)
	current := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	intents.now = func() time.Time { return current }
	locks := NewFundLockService(memStore)
	locks.sleep = func(time.Duration) {}
	svc := NewService(
		memStore,
		guard.NewManager(),
		locks,
		NewReservationService(memStore),
		intents,
		&stubExecutor{balance: decimal.NewFromInt(1000)},
		&stubPublisher{},
		ServiceConfig{DefaultIntentTTL: 15 * time.Minute},
	)
	ctx := context.Background()

	// No expiry in the request: the configured default applies.
	intent, err := svc.CreateIntent(ctx, createRequest("5"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if intent.ExpiresAt == nil || !intent.ExpiresAt.Equal(current.Add(15*time.Minute)) {
		t.Fatalf("expected expiry at the configured default, got %v", intent.ExpiresAt)
	}

	// An explicit expiry in the request wins over the default.
	req := createRequest("5")
	req.ExpiresInSeconds = 60
	intent, err = svc.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if intent.ExpiresAt == nil || !intent.ExpiresAt.Equal(current.Add(time.Minute)) {
		t.Fatalf("expected the request expiry to win, got %v", intent.ExpiresAt)
	}

	// Past the default window the intent expires like any other.
	first, err := svc.CreateIntent(ctx, createRequest("5"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	current = current.Add(16 * time.Minute)
	if _, err := svc.ConfirmIntent(ctx, first.ID); !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected ErrIntentExpired past the default window, got %v", err)
	}
}

// cancelSensitiveStore refuses lock releases on a canceled context, the way a
// real backend's round-trip would fail once the request is gone.
type cancelSensitiveStore struct {
	*store.MemoryStore
}

func (s *cancelSensitiveStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.ReleaseLock(ctx, key, token)
}

// cancelOnPublish cancels the request context from inside the event publish,
// after admission succeeded but before CreateIntent returns.
type cancelOnPublish struct {
	cancel context.CancelFunc
}

func (p *cancelOnPublish) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.cancel()
	return nil
}

func (p *cancelOnPublish) Close() {}

func TestService_WalletLockReleasedAfterRequestCancellation(t *testing.T) {
	memStore := &cancelSensitiveStore{MemoryStore: store.NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locks := NewFundLockService(memStore)
	locks.sleep = func(time.Duration) {}
	svc := NewService(
		memStore,
		guard.NewManager(),
		locks,
		NewReservationService(memStore),
		NewPaymentIntentService(memStore),
		&stubExecutor{balance: decimal.NewFromInt(1000)},
		&cancelOnPublish{cancel: cancel},
		ServiceConfig{},
	)

	if _, err := svc.CreateIntent(ctx, createRequest("5")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The request context was canceled mid-flight; the wallet lock must have
	// been released anyway, not left to its TTL.
	_, acquired, err := locks.Acquire(context.Background(), "w1", decimal.NewFromInt(1), time.Minute, 0, 0)
	if err != nil || !acquired {
		t.Fatalf("expected wallet lock to be free after cancellation, got acquired=%t err=%v", acquired, err)
	}
}

func TestService_LockContentionReturnsUnavailable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Hold the wallet lock externally so admission cannot serialize.
	locks := NewFundLockService(f.store)
	if _, acquired, _ := locks.Acquire(ctx, "w1", decimal.NewFromInt(1), time.Minute, 0, 0); !acquired {
		t.Fatal("setup: external lock acquisition failed")
	}

	if _, err := f.service.CreateIntent(ctx, createRequest("1")); !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
}

func TestDecisionConsumer_AppliesDecisions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	consumer := NewDecisionConsumer(f.service)

	approved, err := f.service.CreateIntent(ctx, createRequest("10"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	rejected, err := f.service.CreateIntent(ctx, createRequest("20"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if !consumer.HandleApproved([]byte(fmt.Sprintf(`{"intent_id":%q,"decided_by":"ops"}`, approved.ID))) {
		t.Fatal("expected approval to be acknowledged")
	}
	loaded, _ := f.service.GetIntent(ctx, approved.ID)
	if loaded.Status != domain.IntentStatusConfirmed {
		t.Fatalf("expected approval to confirm, got %s", loaded.Status)
	}

	if !consumer.HandleRejected([]byte(fmt.Sprintf(`{"intent_id":%q,"reason":"policy violation"}`, rejected.ID))) {
		t.Fatal("expected rejection to be acknowledged")
	}
	loaded, _ = f.service.GetIntent(ctx, rejected.ID)
	if loaded.Status != domain.IntentStatusCanceled {
		t.Fatalf("expected rejection to cancel, got %s", loaded.Status)
	}
	if loaded.CancelReason == nil || *loaded.CancelReason != "policy violation" {
		t.Fatal("expected the decision reason to be recorded")
	}

	// Garbage and unknown ids are acknowledged, never re-queued.
	if !consumer.HandleApproved([]byte(`not json`)) {
		t.Fatal("expected malformed payload to be acknowledged")
	}
	if !consumer.HandleApproved([]byte(fmt.Sprintf(`{"intent_id":%q}`, uuid.New()))) {
		t.Fatal("expected unknown intent approval to be acknowledged")
	}
}
