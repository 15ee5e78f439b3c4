package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/ledger"
)

// Querier is the read surface of pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRepository implements Repository on Postgres.
type PgRepository struct {
	db Querier
}

func NewRepository(db Querier) *PgRepository {
	return &PgRepository{db: db}
}

const sliceColumns = `
	id, client_id, provider_id, title, description, acceptance_criteria,
	price, currency, status, escrow_id, auto_release_at, dispute_reason,
	dispute_evidence, disputed_at, completed_at, paid_at, created_at, updated_at`

const escrowColumns = `
	id, slice_id, status, total_amount, slice_amount, platform_fee,
	community_reward_pool, currency, payment_method, backend, transaction_id,
	dispute_reason, provider_amount, client_refund_amount, settling_until,
	created_at, funded_at, disputed_at, released_at, refunded_at`

func scanSlice(row pgx.Row) (ledger.Slice, error) {
	var (
		s        ledger.Slice
		status   string
		evidence []byte
	)
	err := row.Scan(
		&s.ID, &s.ClientID, &s.ProviderID, &s.Title, &s.Description, &s.AcceptanceCriteria,
		&s.Price, &s.Currency, &status, &s.EscrowID, &s.AutoReleaseAt, &s.DisputeReason,
		&evidence, &s.DisputedAt, &s.CompletedAt, &s.PaidAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Slice{}, fmt.Errorf("%w: slice", ErrNotFound)
		}
		return ledger.Slice{}, fmt.Errorf("escrow: scan slice: %w", err)
	}
	s.Status = ledger.SliceStatus(status)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &s.DisputeEvidence); err != nil {
			return ledger.Slice{}, fmt.Errorf("escrow: decode dispute evidence: %w", err)
		}
	}
	return s, nil
}

func scanEscrow(row pgx.Row) (ledger.EscrowPayment, error) {
	var (
		e      ledger.EscrowPayment
		status string
	)
	err := row.Scan(
		&e.ID, &e.SliceID, &status, &e.TotalAmount, &e.SliceAmount, &e.PlatformFee,
		&e.CommunityRewardPool, &e.Currency, &e.PaymentMethod, &e.Backend, &e.TransactionID,
		&e.DisputeReason, &e.ProviderAmount, &e.ClientRefundAmount, &e.SettlingUntil,
		&e.CreatedAt, &e.FundedAt, &e.DisputedAt, &e.ReleasedAt, &e.RefundedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.EscrowPayment{}, fmt.Errorf("%w: escrow", ErrNotFound)
		}
		return ledger.EscrowPayment{}, fmt.Errorf("escrow: scan escrow: %w", err)
	}
	e.Status = ledger.EscrowStatus(status)
	return e, nil
}

func (r *PgRepository) GetSlice(ctx context.Context, id string) (ledger.Slice, error) {
	return scanSlice(r.db.QueryRow(ctx, `SELECT `+sliceColumns+` FROM slices WHERE id = $1`, id))
}

func (r *PgRepository) GetEscrow(ctx context.Context, id string) (ledger.EscrowPayment, error) {
	return scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = $1`, id))
}

// ListDue fetches completed slices whose auto-release deadline is before now,
// oldest deadline first.
func (r *PgRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]ledger.Slice, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sliceColumns+`
		FROM slices
		WHERE status = 'completed' AND auto_release_at < $1
		ORDER BY auto_release_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list due: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Slice, 0, limit)
	for rows.Next() {
		s, err := scanSlice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate due slices: %w", err)
	}
	return out, nil
}

func (r *PgRepository) Events(ctx context.Context, sliceID string) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, slice_id, type, actor_id, payload, created_at
		FROM slice_events
		WHERE slice_id = $1
		ORDER BY id ASC
	`, sliceID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.SliceID, &e.Type, &e.ActorID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("escrow: decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return out, nil
}

func (r *PgRepository) InsertSlice(ctx context.Context, tx pgx.Tx, s ledger.Slice) error {
	evidence, err := encodeEvidence(s.DisputeEvidence)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO slices (`+sliceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		s.ID, s.ClientID, s.ProviderID, s.Title, s.Description, s.AcceptanceCriteria,
		s.Price, s.Currency, string(s.Status), s.EscrowID, s.AutoReleaseAt, s.DisputeReason,
		evidence, s.DisputedAt, s.CompletedAt, s.PaidAt, s.CreatedAt, s.UpdatedAt,
	); err != nil {
		return fmt.Errorf("escrow: insert slice: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEscrow(ctx context.Context, tx pgx.Tx, e ledger.EscrowPayment) error {
	if err := e.CheckAmounts(); err != nil {
		return fmt.Errorf("escrow: insert escrow: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_payments (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		e.ID, e.SliceID, string(e.Status), e.TotalAmount, e.SliceAmount, e.PlatformFee,
		e.CommunityRewardPool, e.Currency, e.PaymentMethod, e.Backend, e.TransactionID,
		e.DisputeReason, e.ProviderAmount, e.ClientRefundAmount, e.SettlingUntil,
		e.CreatedAt, e.FundedAt, e.DisputedAt, e.ReleasedAt, e.RefundedAt,
	); err != nil {
		return fmt.Errorf("escrow: insert escrow: %w", err)
	}
	return nil
}

func (r *PgRepository) LockSlice(ctx context.Context, tx pgx.Tx, id string) (ledger.Slice, error) {
	return scanSlice(tx.QueryRow(ctx, `SELECT `+sliceColumns+` FROM slices WHERE id = $1 FOR UPDATE`, id))
}

func (r *PgRepository) LockEscrow(ctx context.Context, tx pgx.Tx, id string) (ledger.EscrowPayment, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = $1 FOR UPDATE`, id))
}

func (r *PgRepository) UpdateSlice(ctx context.Context, tx pgx.Tx, s ledger.Slice, expected ledger.SliceStatus) error {
	evidence, err := encodeEvidence(s.DisputeEvidence)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE slices
		SET status = $2,
		    escrow_id = $3,
		    auto_release_at = $4,
		    dispute_reason = $5,
		    dispute_evidence = $6,
		    disputed_at = $7,
		    completed_at = $8,
		    paid_at = $9,
		    updated_at = $10
		WHERE id = $1 AND status = $11
	`,
		s.ID, string(s.Status), s.EscrowID, s.AutoReleaseAt, s.DisputeReason,
		evidence, s.DisputedAt, s.CompletedAt, s.PaidAt, s.UpdatedAt, string(expected),
	)
	if err != nil {
		return fmt.Errorf("escrow: update slice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: slice %s no longer %s", ErrStaleState, s.ID, expected)
	}
	return nil
}

func (r *PgRepository) UpdateEscrow(ctx context.Context, tx pgx.Tx, e ledger.EscrowPayment, expected ledger.EscrowStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_payments
		SET status = $2,
		    transaction_id = $3,
		    dispute_reason = $4,
		    provider_amount = $5,
		    client_refund_amount = $6,
		    settling_until = $7,
		    funded_at = $8,
		    disputed_at = $9,
		    released_at = $10,
		    refunded_at = $11
		WHERE id = $1 AND status = $12
	`,
		e.ID, string(e.Status), e.TransactionID, e.DisputeReason, e.ProviderAmount,
		e.ClientRefundAmount, e.SettlingUntil, e.FundedAt, e.DisputedAt, e.ReleasedAt,
		e.RefundedAt, string(expected),
	)
	if err != nil {
		return fmt.Errorf("escrow: update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: escrow %s no longer %s", ErrStaleState, e.ID, expected)
	}
	return nil
}

func (r *PgRepository) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO slice_events (slice_id, type, actor_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5);
`

	if _, err := tx.Exec(ctx, insertSQL, e.SliceID, e.Type, e.ActorID, body, e.CreatedAt); err != nil {
		return fmt.Errorf("escrow: insert slice event: %w", err)
	}
	return nil
}

func encodeEvidence(items []ledger.Evidence) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode dispute evidence: %w", err)
	}
	return b, nil
}
