package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentalflow/agreement"
	"rentalflow/identity"
)

// Querier is the read surface of pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Snapshot is an account and its decoded agreement record.
type Snapshot struct {
	Key      identity.ID
	Owner    identity.ID
	Lamports uint64
	Record   agreement.Record
}

// TimelineEntry is a stored timeline event.
type TimelineEntry struct {
	ID        int64
	Type      string
	Payload   map[string]any
	Actor     *string
	CreatedAt time.Time
}

// Reader serves committed agreement state.
type Reader struct {
	db Querier
}

func NewReader(db Querier) *Reader {
	return &Reader{db: db}
}

// Get decodes the record stored in the account's data.
func (r *Reader) Get(ctx context.Context, key identity.ID) (Snapshot, error) {
	var (
		owner    string
		lamports int64
		data     []byte
	)
	err := r.db.QueryRow(ctx, `SELECT owner, lamports, data FROM accounts WHERE key = $1`, key.String()).
		Scan(&owner, &lamports, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrAccountNotFound
		}
		return Snapshot{}, fmt.Errorf("store: get account: %w", err)
	}

	ownerID, err := identity.Parse(owner)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: account owner: %w", err)
	}
	rec, err := agreement.Decode(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return Snapshot{Key: key, Owner: ownerID, Lamports: uint64(lamports), Record: rec}, nil
}

// Timeline returns the agreement's events oldest first.
func (r *Reader) Timeline(ctx context.Context, key identity.ID) ([]TimelineEntry, error) {
	const query = `
SELECT id, type, payload, actor, created_at
FROM timeline_events
WHERE agreement_key = $1
ORDER BY id
`
	rows, err := r.db.Query(ctx, query, key.String())
	if err != nil {
		return nil, fmt.Errorf("store: timeline: %w", err)
	}
	defer rows.Close()

	entries := []TimelineEntry{}
	for rows.Next() {
		var (
			e       TimelineEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &payload, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan timeline: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("store: timeline payload: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: timeline: %w", err)
	}
	return entries, nil
}
