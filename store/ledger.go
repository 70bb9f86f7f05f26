package store

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"rentalflow/identity"
	"rentalflow/ledger"
)

// txLedger settles transfers against the accounts table inside the
// transaction that also writes the agreement record, so a rolled back
// instruction never leaves a transfer behind.
type txLedger struct {
	tx   pgx.Tx
	repo balanceRepository
}

type balanceRepository interface {
	Balance(ctx context.Context, tx pgx.Tx, key identity.ID) (uint64, error)
	LockBalances(ctx context.Context, tx pgx.Tx, keys ...identity.ID) (map[identity.ID]uint64, error)
	Credit(ctx context.Context, tx pgx.Tx, key identity.ID, amount uint64) error
	Debit(ctx context.Context, tx pgx.Tx, key identity.ID, amount uint64) error
}

// Balance takes no row lock. Transfer is the only place wallet rows are
// locked, both sides at once in key order.
func (l *txLedger) Balance(ctx context.Context, id identity.ID) (uint64, error) {
	return l.repo.Balance(ctx, l.tx, id)
}

func (l *txLedger) Transfer(ctx context.Context, from, to identity.ID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	balances, err := l.repo.LockBalances(ctx, l.tx, from, to)
	if err != nil {
		return err
	}
	if balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ledger.ErrInsufficientBalance, from, balances[from], amount)
	}
	if from == to || amount == 0 {
		return nil
	}
	if balances[to] > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s", ledger.ErrOverflow, to)
	}

	if err := l.repo.Debit(ctx, l.tx, from, amount); err != nil {
		return err
	}
	return l.repo.Credit(ctx, l.tx, to, amount)
}
