package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/ledger"
)

var (
	ErrNotFound     = errors.New("dispute: not found")
	ErrNotDisputed  = errors.New("dispute: slice is not under dispute")
	ErrUnderReview  = errors.New("dispute: awaiting human review")
	ErrBadOverride  = errors.New("dispute: invalid override")
	ErrAlreadyFinal = errors.New("dispute: record already resolved")
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

const recordColumns = `id, slice_id, decision, split, summary, verdicts, source, status, created_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		decision string
		status   string
		split    []byte
		verdicts []byte
	)
	err := row.Scan(&rec.ID, &rec.SliceID, &decision, &split, &rec.Summary, &verdicts,
		&rec.Source, &status, &rec.CreatedAt, &rec.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	rec.Decision = ledger.Decision(decision)
	rec.Status = Status(status)
	if len(split) > 0 && string(split) != "null" {
		rec.Split = &ledger.Split{}
		if err := json.Unmarshal(split, rec.Split); err != nil {
			return Record{}, fmt.Errorf("dispute: decode split: %w", err)
		}
	}
	if len(verdicts) > 0 {
		if err := json.Unmarshal(verdicts, &rec.Verdicts); err != nil {
			return Record{}, fmt.Errorf("dispute: decode verdicts: %w", err)
		}
	}
	return rec, nil
}

func (r *Repository) Insert(ctx context.Context, rec Record) error {
	var split []byte
	if rec.Split != nil {
		b, err := json.Marshal(rec.Split)
		if err != nil {
			return fmt.Errorf("dispute: encode split: %w", err)
		}
		split = b
	}
	verdicts, err := json.Marshal(rec.Verdicts)
	if err != nil {
		return fmt.Errorf("dispute: encode verdicts: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO arbitration_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.SliceID, string(rec.Decision), split, rec.Summary, verdicts,
		rec.Source, string(rec.Status), rec.CreatedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: insert record: %w", err)
	}
	return nil
}

// MarkResolved flips a decided record to resolved.
func (r *Repository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE arbitration_records
		SET status = 'resolved', resolved_at = $2
		WHERE id = $1 AND status <> 'resolved'
	`, id, at)
	if err != nil {
		return fmt.Errorf("dispute: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinal
	}
	return nil
}

// Latest returns the newest record for the slice.
func (r *Repository) Latest(ctx context.Context, sliceID string) (Record, error) {
	return scanRecord(r.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM arbitration_records
		WHERE slice_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sliceID))
}

func (r *Repository) List(ctx context.Context, sliceID string) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM arbitration_records
		WHERE slice_id = $1
		ORDER BY created_at DESC, id DESC
	`, sliceID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Precedents returns up to limit precedent texts, most recent first.
func (r *Repository) Precedents(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT text FROM precedents
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list precedents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("dispute: scan precedent: %w", err)
		}
		out = append(out, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate precedents: %w", err)
	}
	return out, nil
}

func (r *Repository) AddPrecedent(ctx context.Context, p Precedent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO precedents (id, slice_id, reviewer_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.SliceID, p.ReviewerID, p.Text, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("dispute: insert precedent: %w", err)
	}
	return nil
}

// AwaitingArbitration lists disputed slices with no arbitration record, or
// whose latest record was decided but not yet applied. Slices under human
// review are left for Override.
func (r *Repository) AwaitingArbitration(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.id
		FROM slices s
		LEFT JOIN LATERAL (
			SELECT status FROM arbitration_records a
			WHERE a.slice_id = s.id
			ORDER BY a.created_at DESC, a.id DESC
			LIMIT 1
		) latest ON TRUE
		WHERE s.status = 'disputed'
		  AND (latest.status IS NULL OR latest.status = 'decided')
		ORDER BY s.disputed_at ASC NULLS LAST, s.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list backlog: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan backlog: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate backlog: %w", err)
	}
	return out, nil
}
