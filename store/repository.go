package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/processor"
)

var (
	// ErrDuplicateInstruction signals a signed instruction that was already accepted.
	ErrDuplicateInstruction = errors.New("store: duplicate instruction")
	// ErrAccountNotFound is returned when no account row exists for the key.
	ErrAccountNotFound = errors.New("store: account not found")
	// ErrAccountExists is returned when allocating a key that is already in use.
	ErrAccountExists = errors.New("store: account already exists")
	// ErrAmountTooLarge signals an amount the BIGINT columns cannot hold.
	ErrAmountTooLarge = errors.New("store: amount exceeds storable range")
)

const (
	pgUniqueViolation = "23505"
	pgNumericOverflow = "22003"
	pgCheckViolation  = "23514"
)

// TimelineEvent is one row appended to an agreement's history.
type TimelineEvent struct {
	AgreementKey identity.ID
	Type         string
	Payload      map[string]any
	Actor        *identity.ID
}

// OutboxMessage is one row queued for downstream delivery.
type OutboxMessage struct {
	ID      uuid.UUID
	Topic   string
	Payload map[string]any
}

// Repository issues every statement inside a caller-owned transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey reserves key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("store: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrDuplicateInstruction
		}
		return fmt.Errorf("store: insert idempotency key: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account row.
func (r *Repository) CreateAccount(ctx context.Context, tx pgx.Tx, acct processor.Account) error {
	lamports, err := toBigint(acct.Lamports)
	if err != nil {
		return err
	}

	const insertSQL = `
INSERT INTO accounts (key, owner, lamports, data)
VALUES ($1, $2, $3, $4);
`
	if _, err := tx.Exec(ctx, insertSQL, acct.Key.String(), acct.Owner.String(), lamports, acct.Data); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrAccountExists
		}
		return fmt.Errorf("store: insert account: %w", err)
	}
	return nil
}

// LockAccount loads an account and holds its row lock until tx ends.
func (r *Repository) LockAccount(ctx context.Context, tx pgx.Tx, key identity.ID) (*processor.Account, error) {
	const selectSQL = `
SELECT owner, lamports, data
FROM accounts
WHERE key = $1
FOR UPDATE;
`
	var (
		owner    string
		lamports int64
		data     []byte
	)
	if err := tx.QueryRow(ctx, selectSQL, key.String()).Scan(&owner, &lamports, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("store: lock account: %w", err)
	}

	ownerID, err := identity.Parse(owner)
	if err != nil {
		return nil, fmt.Errorf("store: account owner: %w", err)
	}
	return &processor.Account{
		Key:      key,
		Owner:    ownerID,
		Lamports: uint64(lamports),
		Data:     data,
	}, nil
}

// SaveAccount writes back the account data. Lamports are owned by the
// ledger statements and are not touched here.
func (r *Repository) SaveAccount(ctx context.Context, tx pgx.Tx, acct *processor.Account) error {
	const updateSQL = `
UPDATE accounts
SET data = $2, updated_at = now()
WHERE key = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, acct.Key.String(), acct.Data)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpsertProjection mirrors rec into the agreements table.
func (r *Repository) UpsertProjection(ctx context.Context, tx pgx.Tx, key identity.ID, rec agreement.Record) error {
	amounts := make([]int64, 0, 4)
	for _, v := range []uint64{rec.Deposit, rec.RentAmount, rec.Duration, rec.RemainingPayments} {
		n, err := toBigint(v)
		if err != nil {
			return err
		}
		amounts = append(amounts, n)
	}

	const upsertSQL = `
INSERT INTO agreements (key, status, payee, payer, deposit, rent_amount, duration, duration_unit, remaining_payments)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE
SET status = EXCLUDED.status,
    remaining_payments = EXCLUDED.remaining_payments,
    updated_at = now();
`
	_, err := tx.Exec(ctx, upsertSQL,
		key.String(),
		rec.Status.String(),
		rec.Payee.String(),
		rec.Payer.String(),
		amounts[0], amounts[1], amounts[2],
		int16(rec.DurationUnit),
		amounts[3],
	)
	if err != nil {
		return fmt.Errorf("store: upsert projection: %w", err)
	}
	return nil
}

// AppendTimeline inserts one timeline event.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["agreement"] = ev.AgreementKey.String()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal timeline payload: %w", err)
	}

	var actor any
	if ev.Actor != nil {
		actor = ev.Actor.String()
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_key, type, payload, actor)
VALUES ($1, $2, $3, $4);
`
	if _, err := tx.Exec(ctx, insertSQL, ev.AgreementKey.String(), ev.Type, payloadBytes, actor); err != nil {
		return fmt.Errorf("store: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox inserts one outbox message.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error {
	if msg.Topic == "" {
		return fmt.Errorf("store: outbox topic required")
	}
	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, id, msg.Topic, payloadBytes); err != nil {
		return fmt.Errorf("store: insert outbox message: %w", err)
	}
	return nil
}

// Credit adds lamports to a wallet, creating it owned by the zero identity
// when missing.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, key identity.ID, amount uint64) error {
	n, err := toBigint(amount)
	if err != nil {
		return err
	}

	const upsertSQL = `
INSERT INTO accounts (key, owner, lamports)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET lamports = accounts.lamports + EXCLUDED.lamports,
    updated_at = now();
`
	if _, err := tx.Exec(ctx, upsertSQL, key.String(), identity.Zero.String(), n); err != nil {
		if pgCode(err) == pgNumericOverflow {
			return fmt.Errorf("%w: credit %s", ErrAmountTooLarge, key)
		}
		return fmt.Errorf("store: credit: %w", err)
	}
	return nil
}

// Debit removes lamports from an existing account. The row must already be
// locked by the caller when the balance was checked.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, key identity.ID, amount uint64) error {
	n, err := toBigint(amount)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE accounts
SET lamports = lamports - $2, updated_at = now()
WHERE key = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, key.String(), n)
	if err != nil {
		if pgCode(err) == pgCheckViolation {
			return fmt.Errorf("store: debit %s: balance would go negative", key)
		}
		return fmt.Errorf("store: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Balance reads key's lamports without locking the row. A missing account
// holds zero.
func (r *Repository) Balance(ctx context.Context, tx pgx.Tx, key identity.ID) (uint64, error) {
	var lamports int64
	err := tx.QueryRow(ctx, `SELECT lamports FROM accounts WHERE key = $1`, key.String()).Scan(&lamports)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: balance: %w", err)
	}
	return uint64(lamports), nil
}

// LockBalances locks the given accounts in key order and returns their
// lamports. Missing accounts are reported as zero.
func (r *Repository) LockBalances(ctx context.Context, tx pgx.Tx, keys ...identity.ID) (map[identity.ID]uint64, error) {
	texts := make([]string, len(keys))
	for i, k := range keys {
		texts[i] = k.String()
	}

	const selectSQL = `
SELECT key, lamports
FROM accounts
WHERE key = ANY($1)
ORDER BY key
FOR UPDATE;
`
	rows, err := tx.Query(ctx, selectSQL, texts)
	if err != nil {
		return nil, fmt.Errorf("store: lock balances: %w", err)
	}
	defer rows.Close()

	out := make(map[identity.ID]uint64, len(keys))
	for _, k := range keys {
		out[k] = 0
	}
	for rows.Next() {
		var (
			key      string
			lamports int64
		)
		if err := rows.Scan(&key, &lamports); err != nil {
			return nil, fmt.Errorf("store: scan balance: %w", err)
		}
		id, err := identity.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("store: balance key: %w", err)
		}
		out[id] = uint64(lamports)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: lock balances: %w", err)
	}
	return out, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrAmountTooLarge, v)
	}
	return int64(v), nil
}
