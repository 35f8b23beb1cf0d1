/**
 * @description
 * ReservationService tracks funds provisionally committed to in-flight
 * payment intents. A reservation's existence is the sole source of truth for
 * "funds currently on hold": available balance is computed as the ledger
 * balance minus the sum of active holds. Reservations never auto-expire at
 * this layer; expiry is the intent lifecycle's responsibility.
 *
 * @dependencies
 * - internal/domain, internal/store.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// reservationRecord is the persisted form of a hold. The amount is kept as a
// decimal string so it survives any backend's JSON handling intact.
type reservationRecord struct {
	WalletID  string    `json:"wallet_id"`
	Amount    string    `json:"amount"`
	IntentID  string    `json:"intent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ReservationService persists and aggregates fund holds.
type ReservationService struct {
	store store.AtomicStore
}

// NewReservationService creates a reservation service over the given store.
func NewReservationService(atomicStore store.AtomicStore) *ReservationService {
	return &ReservationService{store: atomicStore}
}

// Reserve records a hold of amount against the wallet, keyed by intent id.
func (s *ReservationService) Reserve(ctx context.Context, walletID string, amount decimal.Decimal, intentID uuid.UUID) (*domain.Reservation, error) {
	reservation := &domain.Reservation{
		WalletID:  walletID,
		Amount:    amount,
		IntentID:  intentID,
		CreatedAt: time.Now().UTC(),
	}

	raw, err := json.Marshal(reservationRecord{
		WalletID:  walletID,
		Amount:    amount.String(),
		IntentID:  intentID.String(),
		CreatedAt: reservation.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("reservation: marshal: %w", err)
	}
	if err := s.store.Save(ctx, store.CollectionReservation, intentID.String(), raw); err != nil {
		return nil, err
	}
	return reservation, nil
}

// Release deletes the hold for the intent. Idempotent: releasing an already
// released reservation returns false, not an error.
func (s *ReservationService) Release(ctx context.Context, intentID uuid.UUID) (bool, error) {
	return s.store.Delete(ctx, store.CollectionReservation, intentID.String())
}

// GetReservedTotal sums the amounts of every active hold on the wallet.
// Records with unparsable amounts are logged and skipped rather than failing
// the whole aggregation.
func (s *ReservationService) GetReservedTotal(ctx context.Context, walletID string) (decimal.Decimal, error) {
	records, err := s.store.Query(ctx, store.CollectionReservation, map[string]string{"wallet_id": walletID})
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, raw := range records {
		var record reservationRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			log.Printf("level=warn component=reservation msg=\"skipping corrupt hold record\" wallet_id=%s err=%v", walletID, err)
			continue
		}
		amount, err := decimal.NewFromString(record.Amount)
		if err != nil {
			log.Printf("level=warn component=reservation msg=\"skipping hold with unparsable amount\" wallet_id=%s intent_id=%s amount=%q err=%v",
				walletID, record.IntentID, record.Amount, err)
			continue
		}
		total = total.Add(amount)
	}
	return total, nil
}
