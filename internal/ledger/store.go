// Package ledger owns the authoritative per-user credit balance and its
// debit operations. Adapters never touch balances; the router calls the
// ledger exactly once per completed logical request.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Store is the persistence boundary for credit accounts. The account row
// is the only cross-request shared mutable state in the gateway; the
// Ledger serializes read-modify-write cycles per user on top of this
// interface, so implementations only need per-call atomicity.
type Store interface {
	// GetBalance returns the user's balance. A user with no account row
	// yet has a balance of zero, not an error.
	GetBalance(ctx context.Context, userID int64) (float64, error)

	// SetBalance writes the balance and its update timestamp, creating
	// the account row if needed.
	SetBalance(ctx context.Context, userID int64, balance float64, updatedAt time.Time) error
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[int64]float64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[int64]float64)}
}

// GetBalance returns the stored balance, zero for unknown users.
func (m *MemoryStore) GetBalance(ctx context.Context, userID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// SetBalance stores the balance.
func (m *MemoryStore) SetBalance(ctx context.Context, userID int64, balance float64, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
	return nil
}
