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

// All returns the invariants checked during a stress run. Each query returns
// offending rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_escrow_per_slice",
			SQL: `SELECT slice_id, COUNT(*) FROM escrow_payments
                  WHERE status IN ('pending_escrow','in_escrow','disputed')
                  GROUP BY slice_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_escrow_amounts",
			SQL: `SELECT id, total_amount, slice_amount, platform_fee, community_reward_pool
                  FROM escrow_payments
                  WHERE total_amount <> slice_amount + platform_fee
                     OR community_reward_pool > platform_fee
                     OR community_reward_pool < 0`,
		},
		{
			Name: "O3_settled_amounts",
			SQL: `SELECT id, status, provider_amount, client_refund_amount FROM escrow_payments
                  WHERE (status = 'released' AND (provider_amount <= 0
                         OR provider_amount + client_refund_amount <> slice_amount))
                     OR (status = 'refunded' AND (provider_amount <> 0
                         OR client_refund_amount <> total_amount))
                     OR (status IN ('pending_escrow','in_escrow','disputed')
                         AND provider_amount + client_refund_amount <> 0)`,
		},
		{
			Name: "O4_slice_escrow_coherence",
			SQL: `SELECT s.id, s.status, e.status FROM slices s
                  JOIN escrow_payments e ON e.id = s.escrow_id
                  WHERE (s.status = 'paid' AND e.status <> 'released')
                     OR (s.status = 'refunded' AND e.status <> 'refunded')
                     OR (s.status = 'disputed' AND e.status <> 'disputed')
                     OR (e.status = 'released' AND s.status <> 'paid')
                     OR (e.status = 'refunded' AND s.status <> 'refunded')`,
		},
		{
			Name: "O5_wallet_matches_journal",
			SQL: `SELECT w.user_id, w.balance, COALESCE(SUM(j.amount), 0) FROM user_wallets w
                  LEFT JOIN wallet_entries j ON j.user_id = w.user_id
                  GROUP BY w.user_id, w.balance, w.total_earned
                  HAVING w.balance <> COALESCE(SUM(j.amount), 0)
                      OR w.total_earned <> COALESCE(SUM(j.amount), 0)`,
		},
		{
			Name: "O6_release_credit_once",
			SQL: `SELECT e.id, e.provider_amount, COALESCE(SUM(j.amount), 0) FROM escrow_payments e
                  LEFT JOIN wallet_entries j ON j.source = 'escrow_release' AND j.reference = e.id
                  GROUP BY e.id, e.provider_amount
                  HAVING COALESCE(SUM(j.amount), 0) <> e.provider_amount`,
		},
		{
			Name: "O7_dividend_once_per_period",
			SQL: `SELECT period_start, COUNT(*) FROM dividend_runs
                  WHERE NOT forced GROUP BY period_start HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_dividend_paid_matches_rewards",
			SQL: `SELECT r.id, r.pool, r.paid, r.undistributed, COALESCE(SUM(c.amount), 0) FROM dividend_runs r
                  LEFT JOIN community_rewards c ON c.run_id = r.id
                  GROUP BY r.id, r.pool, r.paid, r.undistributed
                  HAVING COALESCE(SUM(c.amount), 0) <> r.paid
                      OR r.paid + r.undistributed <> r.pool`,
		},
		{
			Name: "O9_outbox_stale",
			SQL: `SELECT id::text, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
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
		rows.Close()
	}
	return "", "", nil
}
