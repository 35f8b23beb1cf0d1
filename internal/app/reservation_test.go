package app

import (
	"context"
	"testing"

	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestReservationService_TotalsSumActiveHolds(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewReservationService(s)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	if _, err := svc.Reserve(ctx, "w1", decimal.RequireFromString("10.50"), first); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := svc.Reserve(ctx, "w1", decimal.RequireFromString("4.25"), second); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := svc.Reserve(ctx, "w2", decimal.RequireFromString("99"), uuid.New()); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	total, err := svc.GetReservedTotal(ctx, "w1")
	if err != nil {
		t.Fatalf("total failed: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("14.75")) {
		t.Fatalf("expected 14.75 reserved for w1, got %s", total)
	}

	released, err := svc.Release(ctx, first)
	if err != nil || !released {
		t.Fatalf("expected release to succeed, got released=%t err=%v", released, err)
	}
	total, _ = svc.GetReservedTotal(ctx, "w1")
	if !total.Equal(decimal.RequireFromString("4.25")) {
		t.Fatalf("expected 4.25 after release, got %s", total)
	}
}

func TestReservationService_ReleaseIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewReservationService(s)
	ctx := context.Background()

	intentID := uuid.New()
	if _, err := svc.Reserve(ctx, "w1", decimal.NewFromInt(5), intentID); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	if released, _ := svc.Release(ctx, intentID); !released {
		t.Fatal("expected first release to report true")
	}
	released, err := svc.Release(ctx, intentID)
	if err != nil {
		t.Fatalf("second release returned error: %v", err)
	}
	if released {
		t.Fatal("expected second release to report false")
	}
}

func TestReservationService_EmptyWalletTotalsZero(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewReservationService(s)

	total, err := svc.GetReservedTotal(context.Background(), "no-holds")
	if err != nil {
		t.Fatalf("total failed: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("expected zero for wallet with no holds, got %s", total)
	}
}

func TestReservationService_CorruptRecordsAreSkipped(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewReservationService(s)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "w1", decimal.NewFromInt(5), uuid.New()); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	_ = s.Save(ctx, store.CollectionReservation, "bad-amount", []byte(`{"wallet_id":"w1","amount":"banana","intent_id":"x"}`))

	total, err := svc.GetReservedTotal(ctx, "w1")
	if err != nil {
		t.Fatalf("total failed: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected corrupt record to be skipped, got %s", total)
	}
}
