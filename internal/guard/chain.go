/**
 * @description
 * Chain composes an ordered set of guards and evaluates them as a unit;
 * Manager is the explicit registry mapping wallet ids to their chains.
 *
 * Two evaluation modes mirror the two callers. Check (simulation) runs every
 * guard and returns every verdict, never erroring on denial, so a caller can
 * see which guards would pass. Reserve (admission) runs guards in
 * registration order, short-circuits on the first denial, and releases every
 * reservation already taken in the attempt before surfacing the denial.
 *
 * @dependencies
 * - internal/domain: PaymentContext and GuardResult value types.
 */

package guard

import (
	"context"
	"log"
	"sync"

	"github.com/agentrails/spendguard-service/internal/domain"
)

// Chain is an ordered composition of guards for one wallet.
type Chain struct {
	guards []Guard
}

// NewChain builds a chain evaluating guards in the given order.
func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Guards returns the chain's guards in evaluation order.
func (c *Chain) Guards() []Guard {
	out := make([]Guard, len(c.guards))
	copy(out, c.guards)
	return out
}

// Check dry-runs every guard and collects every verdict. Denials are data
// here, not errors; only storage faults abort the evaluation.
func (c *Chain) Check(ctx context.Context, payment domain.PaymentContext) ([]domain.GuardResult, error) {
	results := make([]domain.GuardResult, 0, len(c.guards))
	for _, g := range c.guards {
		result, err := g.Check(ctx, payment)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// reservedEntry pairs a stateful guard with the token it issued.
type reservedEntry struct {
	guard StatefulGuard
	token string
}

// ReservedSet holds the tokens issued by one successful chain reservation.
// Commit or Release it exactly once when the payment's fate is decided.
type ReservedSet struct {
	entries []reservedEntry
}

// ReservedToken is the durable identity of one guard reservation, used to
// rebuild a ReservedSet in a later process (confirm and cancel usually do not
// run in the process that reserved).
type ReservedToken struct {
	Guard string `json:"guard"`
	Token string `json:"token"`
}

// Tokens exports the set's reservations for persistence.
func (s *ReservedSet) Tokens() []ReservedToken {
	out := make([]ReservedToken, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ReservedToken{Guard: e.guard.Name(), Token: e.token})
	}
	return out
}

// RebuildReservedSet reassembles a ReservedSet from persisted tokens against
// the wallet's current chain. Tokens whose guard is no longer registered are
// logged and skipped; their budget rollback records remain in the store.
func (c *Chain) RebuildReservedSet(tokens []ReservedToken) *ReservedSet {
	byName := make(map[string]StatefulGuard)
	for _, g := range c.guards {
		if stateful, ok := g.(StatefulGuard); ok {
			byName[stateful.Name()] = stateful
		}
	}

	set := &ReservedSet{}
	for _, t := range tokens {
		stateful, ok := byName[t.Guard]
		if !ok {
			log.Printf("level=warn component=guard_chain msg=\"reserved guard no longer registered\" guard=%s token=%s", t.Guard, t.Token)
			continue
		}
		set.entries = append(set.entries, reservedEntry{guard: stateful, token: t.Token})
	}
	return set
}

// Reserve runs the chain in registration order. Stateful guards reserve
// capacity; check-only guards are evaluated in place. The first denial or
// storage fault releases everything already reserved in this attempt and is
// returned to the caller.
func (c *Chain) Reserve(ctx context.Context, payment domain.PaymentContext) (*ReservedSet, error) {
	set := &ReservedSet{}

	for _, g := range c.guards {
		if stateful, ok := g.(StatefulGuard); ok {
			token, err := stateful.Reserve(ctx, payment)
			if err != nil {
				set.Release(ctx)
				return nil, err
			}
			set.entries = append(set.entries, reservedEntry{guard: stateful, token: token})
			continue
		}

		result, err := g.Check(ctx, payment)
		if err != nil {
			set.Release(ctx)
			return nil, err
		}
		if !result.Allowed {
			set.Release(ctx)
			return nil, denyError(result)
		}
	}
	return set, nil
}

// Commit finalizes every guard reservation in the set. Best effort: a failed
// commit is logged, never propagated, since the funds decision is already made.
func (s *ReservedSet) Commit(ctx context.Context) {
	for _, e := range s.entries {
		if _, err := e.guard.Commit(ctx, e.token); err != nil {
			log.Printf("level=error component=guard_chain msg=\"commit failed\" guard=%s token=%s err=%v", e.guard.Name(), e.token, err)
		}
	}
}

// Release rolls back every guard reservation in the set, in reverse order of
// acquisition. Best effort, idempotent per guard token.
func (s *ReservedSet) Release(ctx context.Context) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if _, err := e.guard.Release(ctx, e.token); err != nil {
			log.Printf("level=error component=guard_chain msg=\"release failed\" guard=%s token=%s err=%v", e.guard.Name(), e.token, err)
		}
	}
}

// Manager owns the wallet id -> guard list registry. It is constructed and
// passed explicitly, never a process-wide singleton, and it never touches
// guard-internal state.
type Manager struct {
	mu     sync.RWMutex
	chains map[string][]Guard
}

// NewManager creates an empty guard registry.
func NewManager() *Manager {
	return &Manager{chains: make(map[string][]Guard)}
}

// AddGuard appends a guard to the wallet's chain. Evaluation order is
// registration order.
func (m *Manager) AddGuard(walletID string, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[walletID] = append(m.chains[walletID], g)
}

// RemoveGuard detaches the first guard with the given name from the wallet's
// chain, reporting whether anything was removed.
func (m *Manager) RemoveGuard(walletID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	guards := m.chains[walletID]
	for i, g := range guards {
		if g.Name() == name {
			m.chains[walletID] = append(guards[:i:i], guards[i+1:]...)
			return true
		}
	}
	return false
}

// ChainFor returns the wallet's chain. Wallets with no registered guards get
// an empty chain, which admits everything.
func (m *Manager) ChainFor(walletID string) *Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()

	guards := m.chains[walletID]
	out := make([]Guard, len(guards))
	copy(out, guards)
	return &Chain{guards: out}
}

// GuardNames lists the wallet's guards in evaluation order.
func (m *Manager) GuardNames(walletID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.chains[walletID]))
	for _, g := range m.chains[walletID] {
		names = append(names, g.Name())
	}
	return names
}
