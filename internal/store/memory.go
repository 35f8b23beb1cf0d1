/**
 * @description
 * In-memory implementation of the AtomicStore contract. Used by the test
 * suites and as the degraded boot path when neither Redis nor PostgreSQL is
 * configured; the service starts rather than failing, matching how the rest
 * of the stack degrades when a collaborator is absent.
 *
 * A single mutex serializes every operation, which trivially satisfies the
 * per-key linearizability the counter contract requires.
 */

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memoryCounter struct {
	value     decimal.Decimal
	expiresAt time.Time // zero means no expiry
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is a process-local AtomicStore.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]map[string][]byte
	counters map[string]map[string]*memoryCounter
	locks    map[string]*memoryLock

	now func() time.Time // swappable clock for expiry tests
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]map[string][]byte),
		counters: make(map[string]map[string]*memoryCounter),
		locks:    make(map[string]*memoryLock),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[collection][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[collection] == nil {
		s.records[collection] = make(map[string][]byte)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.records[collection][key] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[collection][key]; !ok {
		return false, nil
	}
	delete(s.records[collection], key)
	return true, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filter map[string]string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results [][]byte
	for _, raw := range s.records[collection] {
		if matchesFilter(raw, filter) {
			out := make([]byte, len(raw))
			copy(out, raw)
			results = append(results, out)
		}
	}
	return results, nil
}

func (s *MemoryStore) AtomicAdd(ctx context.Context, collection, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters[collection] == nil {
		s.counters[collection] = make(map[string]*memoryCounter)
	}

	now := s.now()
	counter, ok := s.counters[collection][key]
	if ok && !counter.expiresAt.IsZero() && now.After(counter.expiresAt) {
		ok = false // bucket self-expired
	}
	if !ok {
		counter = &memoryCounter{value: decimal.Zero}
		if ttl > 0 {
			counter.expiresAt = now.Add(ttl)
		}
		s.counters[collection][key] = counter
	}

	counter.value = counter.value.Add(delta)
	return counter.value, nil
}

// GetCounter reads a counter without creating the bucket. Absent or expired
// counters read as zero.
func (s *MemoryStore) GetCounter(ctx context.Context, collection, key string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[collection][key]
	if !ok {
		return decimal.Zero, nil
	}
	if !counter.expiresAt.IsZero() && s.now().After(counter.expiresAt) {
		return decimal.Zero, nil
	}
	return counter.value, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	s.locks[key] = &memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[key]
	if !ok || held.token != token {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}
