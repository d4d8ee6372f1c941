package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must come back empty on a healthy
// database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			// Funds held in custody exactly match the deposit while the
			// escrow is live.
			Name: "O1_custody_conservation",
			SQL: `SELECT e.id, e.status, COALESCE(b.balance, 0) AS held, e.deposit_amount
                  FROM escrows e
                  LEFT JOIN token_balances b
                    ON b.token = e.token AND b.holder = 'escrow:' || e.id
                  WHERE e.status IN ('funded','verified')
                    AND COALESCE(b.balance, 0) <> e.deposit_amount`,
		},
		{
			// Terminal escrows hold nothing: releases and refunds drain the
			// custody account in the same transaction that flips the status.
			Name: "O2_terminal_custody_drained",
			SQL: `SELECT e.id, e.status, b.balance
                  FROM escrows e
                  JOIN token_balances b
                    ON b.token = e.token AND b.holder = 'escrow:' || e.id
                  WHERE e.status IN ('released','cancelled')
                    AND b.balance <> 0`,
		},
		{
			// Disputed escrows keep their deposit frozen until the arbiter rules.
			Name: "O3_disputed_funds_frozen",
			SQL: `SELECT e.id, COALESCE(b.balance, 0) AS held, e.deposit_amount
                  FROM escrows e
                  LEFT JOIN token_balances b
                    ON b.token = e.token AND b.holder = 'escrow:' || e.id
                  WHERE e.status = 'disputed'
                    AND e.funded_at IS NOT NULL
                    AND COALESCE(b.balance, 0) <> e.deposit_amount`,
		},
		{
			Name: "O4_no_negative_balances",
			SQL:  `SELECT token, holder, balance FROM token_balances WHERE balance < 0`,
		},
		{
			// Release without a dispute resolution requires every mandatory
			// approval; the agent slot only counts when an agent is assigned.
			Name: "O5_release_approvals",
			SQL: `SELECT id FROM escrows
                  WHERE status = 'released'
                    AND resolution IS NULL
                    AND NOT (buyer_approved AND seller_approved
                             AND (agent IS NULL OR agent_approved))`,
		},
		{
			Name: "O6_funded_timestamp",
			SQL: `SELECT id, status FROM escrows
                  WHERE status IN ('funded','verified') AND funded_at IS NULL`,
		},
		{
			Name: "O7_fee_caps",
			SQL: `SELECT id, platform_fee_bps, agent_fee_bps FROM escrows
                  WHERE platform_fee_bps NOT BETWEEN 0 AND 500
                     OR agent_fee_bps NOT BETWEEN 0 AND 500`,
		},
		{
			Name: "O8_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O9_timeline_starts_with_creation",
			SQL: `SELECT escrow_id, type FROM timeline_events
                  WHERE seq = 1 AND type <> 'ESCROW_CREATED'`,
		},
		{
			Name: "O10_outbox_staleness",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O11_escrow_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_escrows')`,
		},
		{
			Name: "O12_resolution_only_after_dispute",
			SQL: `SELECT id, status FROM escrows
                  WHERE resolution IS NOT NULL AND dispute_reason IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
