package dividend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/ledger"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HasRun(ctx context.Context, p Period) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dividend_runs WHERE period_start = $1)
	`, p.Start).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dividend: check run: %w", err)
	}
	return exists, nil
}

// Pool sums the community share of escrows released inside the period.
func (r *Repository) Pool(ctx context.Context, p Period) (int64, error) {
	var pool int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(community_reward_pool), 0)::bigint
		FROM escrow_payments
		WHERE status = 'released' AND released_at >= $1 AND released_at < $2
	`, p.Start, p.End).Scan(&pool)
	if err != nil {
		return 0, fmt.Errorf("dividend: sum pool: %w", err)
	}
	return pool, nil
}

func (r *Repository) Totals(ctx context.Context, p Period) (Totals, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, kind, SUM(quantity)::bigint
		FROM community_signals
		WHERE occurred_at >= $1 AND occurred_at < $2
		GROUP BY user_id, kind
	`, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("dividend: totals: %w", err)
	}
	defer rows.Close()

	out := Totals{}
	for rows.Next() {
		var (
			userID string
			kind   string
			qty    int64
		)
		if err := rows.Scan(&userID, &kind, &qty); err != nil {
			return nil, fmt.Errorf("dividend: scan totals: %w", err)
		}
		if out[userID] == nil {
			out[userID] = map[Kind]int64{}
		}
		out[userID][Kind(kind)] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dividend: iterate totals: %w", err)
	}
	return out, nil
}

// InsertRun writes the run row. A concurrent unforced run of the same
// period hits the partial unique index and yields ErrAlreadyProcessed.
func (r *Repository) InsertRun(ctx context.Context, tx pgx.Tx, run Run) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dividend_runs (
			id, period_start, period_end, pool, paid, undistributed,
			recipients, forced, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.PeriodStart, run.PeriodEnd, run.Pool, run.Paid, run.Undistributed,
		run.Recipients, run.Forced, run.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("dividend: insert run: %w", err)
	}
	return nil
}

func (r *Repository) InsertReward(ctx context.Context, tx pgx.Tx, rw ledger.CommunityReward) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO community_rewards (id, run_id, user_id, amount, reason, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rw.ID, rw.RunID, rw.UserID, rw.Amount, rw.Reason, rw.PaidAt)
	if err != nil {
		return fmt.Errorf("dividend: insert reward: %w", err)
	}
	return nil
}

func (r *Repository) InsertSignal(ctx context.Context, s Signal) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO community_signals (id, user_id, kind, quantity, reference, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, reference, user_id) DO NOTHING
	`, s.ID, s.UserID, string(s.Kind), s.Quantity, s.Reference, s.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("dividend: insert signal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
