// Package actors drives concurrent clients against the PostgreSQL executor.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentalflow/agreement"
	"rentalflow/auth"
	"rentalflow/identity"
	"rentalflow/instruction"
	"rentalflow/processor"
	"rentalflow/store"
)

// Agreement is one seeded agreement the actors compete over.
type Agreement struct {
	Key   identity.ID
	Payee identity.ID
	Rent  uint64
	Payer *auth.Signer
}

var verifier = auth.NewVerifier(time.Second)

func envelope(s *auth.Signer, ix instruction.Instruction) (auth.Envelope, error) {
	token, err := s.Sign(instruction.Encode(ix))
	if err != nil {
		return auth.Envelope{}, err
	}
	return verifier.Verify(token)
}

// unexpected reports rejections that no interleaving of well-formed
// payments and terminations can produce, deadlocks included.
func unexpected(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40P01" {
		return true
	}
	switch processor.ClassOf(err) {
	case processor.ClassMalformed, processor.ClassAuthorization:
		return true
	}
	return errors.Is(err, processor.ErrPaymentAmountMismatch) ||
		errors.Is(err, processor.ErrAlreadyInitialized) ||
		errors.Is(err, processor.ErrUninitializedAccount) ||
		errors.Is(err, processor.ErrAccountNotExempt)
}

func finished(err error) bool {
	return errors.Is(err, processor.ErrAlreadyPaidInFull) || errors.Is(err, processor.ErrAgreementTerminated)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Payer pays rent until the agreement is completed or terminated.
func Payer(ctx context.Context, exec *store.Executor, ag Agreement, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		env, err := envelope(ag.Payer, &instruction.Payment{RentAmount: ag.Rent})
		if err != nil {
			return fmt.Errorf("payer sign: %w", err)
		}
		_, err = exec.Execute(ctx, store.Request{Agreement: ag.Key, Payee: ag.Payee, Envelope: env})
		switch {
		case finished(err):
			return nil
		case unexpected(err):
			return fmt.Errorf("payer %s: %w", ag.Key, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
	return nil
}

// Terminator ends the agreement after a random delay, racing the payers.
func Terminator(ctx context.Context, exec *store.Executor, ag Agreement, maxDelay time.Duration, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return nil
	case <-stop:
		return nil
	case <-time.After(time.Duration(rand.Int63n(int64(maxDelay) + 1))):
	}

	for !stopped(ctx, stop) {
		env, err := envelope(ag.Payer, &instruction.Termination{})
		if err != nil {
			return fmt.Errorf("terminator sign: %w", err)
		}
		_, err = exec.Execute(ctx, store.Request{Agreement: ag.Key, Envelope: env})
		switch {
		case err == nil, finished(err):
			return nil
		case unexpected(err):
			return fmt.Errorf("terminator %s: %w", ag.Key, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// Replayer resubmits one signed payment. It may apply at most once.
func Replayer(ctx context.Context, exec *store.Executor, ag Agreement, stop <-chan struct{}) error {
	env, err := envelope(ag.Payer, &instruction.Payment{RentAmount: ag.Rent})
	if err != nil {
		return fmt.Errorf("replayer sign: %w", err)
	}

	applied := 0
	for !stopped(ctx, stop) {
		_, err := exec.Execute(ctx, store.Request{Agreement: ag.Key, Payee: ag.Payee, Envelope: env})
		switch {
		case err == nil:
			applied++
			if applied > 1 {
				return fmt.Errorf("replayer %s: token applied %d times", ag.Key, applied)
			}
		case finished(err):
			if applied == 0 {
				return nil
			}
		case unexpected(err):
			return fmt.Errorf("replayer %s: %w", ag.Key, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
	return nil
}

// Watcher keeps decoding every agreement; a record that fails to decode
// means a torn write.
func Watcher(ctx context.Context, reader *store.Reader, keys []identity.ID, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		for _, key := range keys {
			if _, err := reader.Get(ctx, key); err != nil {
				if errors.Is(err, store.ErrAccountNotFound) {
					return fmt.Errorf("watcher: %s vanished", key)
				}
				if ctx.Err() == nil && isDecodeFailure(err) {
					return fmt.Errorf("watcher: %w", err)
				}
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	return nil
}

func isDecodeFailure(err error) bool {
	return errors.Is(err, agreement.ErrInvalidLength) || errors.Is(err, agreement.ErrUnknownStatus)
}

// OutboxWorker marks pending outbox messages published using SKIP LOCKED.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	const claimSQL = `
UPDATE outbox SET published_at = now()
WHERE id IN (
    SELECT id FROM outbox
    WHERE published_at IS NULL
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 10
)`
	for !stopped(ctx, stop) {
		// random failures leave rows for the next pass
		if rand.Intn(10) != 0 {
			_, _ = pool.Exec(ctx, claimSQL)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
