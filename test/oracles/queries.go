package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Expect carries run-level facts some oracles compare against.
type Expect struct {
	TotalLamports int64
}

type Oracle struct {
	Name string
	SQL  string
	// WithTotal passes Expect.TotalLamports as $1.
	WithTotal bool
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_projection_matches_record",
			SQL: `SELECT a.key, a.status, get_byte(acc.data, 0) AS status_byte
                  FROM agreements a
                  JOIN accounts acc ON acc.key = a.key
                  WHERE octet_length(acc.data) <> 98
                     OR get_byte(acc.data, 0) <> CASE a.status
                            WHEN 'uninitialized' THEN 0
                            WHEN 'active' THEN 1
                            WHEN 'completed' THEN 2
                            WHEN 'terminated' THEN 3 END`,
		},
		{
			Name: "O2_remaining_matches_payments",
			SQL: `WITH paid AS (
                      SELECT agreement_key, COUNT(*) AS n
                      FROM timeline_events WHERE type = 'RENT_PAID'
                      GROUP BY agreement_key)
                  SELECT a.key, a.status, a.duration, a.remaining_payments, COALESCE(p.n, 0) AS paid
                  FROM agreements a
                  LEFT JOIN paid p ON p.agreement_key = a.key
                  WHERE (a.status = 'terminated' AND a.remaining_payments <> 0)
                     OR (a.status IN ('active', 'completed') AND a.remaining_payments <> a.duration - COALESCE(p.n, 0))
                     OR (a.status = 'completed' AND a.remaining_payments <> 0)`,
		},
		{
			Name: "O3_no_payment_after_terminal",
			SQL: `SELECT p.*
                  FROM timeline_events p
                  JOIN timeline_events t
                    ON t.agreement_key = p.agreement_key
                   AND t.type IN ('AGREEMENT_TERMINATED', 'AGREEMENT_COMPLETED')
                  WHERE p.type = 'RENT_PAID' AND p.id > t.id`,
		},
		{
			Name: "O4_single_terminal_event",
			SQL: `SELECT agreement_key, COUNT(*)
                  FROM timeline_events
                  WHERE type IN ('AGREEMENT_TERMINATED', 'AGREEMENT_COMPLETED')
                  GROUP BY agreement_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_payee_received_rent_times_payments",
			SQL: `WITH paid AS (
                      SELECT agreement_key, COUNT(*) AS n
                      FROM timeline_events WHERE type = 'RENT_PAID'
                      GROUP BY agreement_key)
                  SELECT a.key, acc.lamports, a.rent_amount * COALESCE(p.n, 0) AS expected
                  FROM agreements a
                  LEFT JOIN paid p ON p.agreement_key = a.key
                  LEFT JOIN accounts acc ON acc.key = a.payee
                  WHERE a.payee NOT IN (SELECT payer FROM agreements)
                    AND COALESCE(acc.lamports, 0) <> a.rent_amount * COALESCE(p.n, 0)`,
		},
		{
			Name: "O6_outbox_per_payment",
			SQL: `WITH paid AS (
                      SELECT agreement_key AS key, COUNT(*) AS n
                      FROM timeline_events WHERE type = 'RENT_PAID'
                      GROUP BY agreement_key),
                  sent AS (
                      SELECT payload->>'agreement' AS key, COUNT(*) AS n
                      FROM outbox WHERE topic = 'agreement.payment_received'
                      GROUP BY payload->>'agreement')
                  SELECT COALESCE(paid.key, sent.key), paid.n, sent.n
                  FROM paid FULL OUTER JOIN sent ON sent.key = paid.key
                  WHERE COALESCE(paid.n, 0) <> COALESCE(sent.n, 0)`,
		},
		{
			Name:      "O7_lamports_conserved",
			SQL:       `SELECT SUM(lamports) FROM accounts HAVING SUM(lamports) <> $1`,
			WithTotal: true,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, expect Expect) (string, string, error) {
	for _, o := range All() {
		var args []any
		if o.WithTotal {
			args = append(args, expect.TotalLamports)
		}
		rows, err := pool.Query(ctx, o.SQL, args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
