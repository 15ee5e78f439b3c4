package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/ledger"
)

var (
	// ErrNotFound signals the user has no wallet yet.
	ErrNotFound = errors.New("wallet: not found")
	// ErrInvalidEntry is returned for credits that cannot be journaled.
	ErrInvalidEntry = errors.New("wallet: invalid entry")
)

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Execer is the write surface used inside a caller-owned transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository reads wallets and journals credits.
type Repository struct {
	db          Querier
	idGenerator func() string
	now         func() time.Time
}

// NewRepository wires a pgx-backed repository.
func NewRepository(db Querier) *Repository {
	return &Repository{
		db:          db,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) WithIDGenerator(gen func() string) *Repository {
	r.idGenerator = gen
	return r
}

// Credit journals the entry and adds it to the user's balance and lifetime
// earnings inside tx. It reports false when the (source, reference, user)
// key was already journaled, in which case the balance is untouched.
func (r *Repository) Credit(ctx context.Context, tx Execer, e Entry) (bool, error) {
	if strings.TrimSpace(e.UserID) == "" || e.Source == "" || e.Reference == "" {
		return false, fmt.Errorf("%w: user, source and reference required", ErrInvalidEntry)
	}
	if e.Amount <= 0 {
		return false, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidEntry, e.Amount)
	}
	if e.ID == "" {
		e.ID = r.idGenerator()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries (id, user_id, amount, source, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, reference, user_id) DO NOTHING
	`, e.ID, e.UserID, e.Amount, e.Source, e.Reference, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("wallet: insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_wallets (user_id, balance, total_earned, updated_at)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = user_wallets.balance + EXCLUDED.balance,
		    total_earned = user_wallets.total_earned + EXCLUDED.total_earned,
		    updated_at = EXCLUDED.updated_at
	`, e.UserID, e.Amount, e.CreatedAt); err != nil {
		return false, fmt.Errorf("wallet: upsert balance: %w", err)
	}

	return true, nil
}

// Get fetches a wallet by user id.
func (r *Repository) Get(ctx context.Context, userID string) (ledger.UserWallet, error) {
	const query = `
		SELECT user_id, balance, total_earned, updated_at
		FROM user_wallets
		WHERE user_id = $1
	`

	var w ledger.UserWallet
	err := r.db.QueryRow(ctx, query, userID).Scan(&w.UserID, &w.Balance, &w.TotalEarned, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.UserWallet{}, ErrNotFound
		}
		return ledger.UserWallet{}, fmt.Errorf("wallet: query by user: %w", err)
	}
	return w, nil
}

// Entries lists up to limit journal rows for a user, newest first.
func (r *Repository) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, user_id, amount, source, reference, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Source, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet: iterate entries: %w", err)
	}
	return entries, nil
}
