// Package ledger provides the settlement rail used by the agreement
// processor outside of PostgreSQL, and the rent-exemption rule shared by
// every host.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"rentalflow/identity"
)

var (
	// ErrInsufficientBalance signals a transfer larger than the sender's balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrOverflow signals a credit that would overflow the receiver's balance.
	ErrOverflow = errors.New("ledger: balance overflow")
)

// Memory is an in-process ledger. Transfers are atomic with respect to each
// other.
type Memory struct {
	mu       sync.Mutex
	balances map[identity.ID]uint64
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[identity.ID]uint64)}
}

// Credit adds amount to id's balance.
func (m *Memory) Credit(id identity.ID, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.balances[id]
	if cur > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s", ErrOverflow, id)
	}
	m.balances[id] = cur + amount
	return nil
}

// Balance returns id's balance; unknown identities hold zero.
func (m *Memory) Balance(_ context.Context, id identity.ID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id], nil
}

// Transfer moves amount from one identity to another, or changes nothing.
func (m *Memory) Transfer(ctx context.Context, from, to identity.ID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.balances[from]
	if src < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, src, amount)
	}
	if from == to {
		return nil
	}
	dst := m.balances[to]
	if dst > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s", ErrOverflow, to)
	}
	m.balances[from] = src - amount
	m.balances[to] = dst + amount
	return nil
}
