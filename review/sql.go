package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"escrowflow/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS review_escalations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	slice_id     TEXT NOT NULL,
	decision     TEXT NOT NULL,
	summary      TEXT NOT NULL,
	verdicts     TEXT NOT NULL,
	escalated_at TIMESTAMP NOT NULL,
	closed_at    TIMESTAMP
)`

// SQLQueue stores escalations in the review_escalations table.
type SQLQueue struct {
	db *sql.DB
}

func NewSQLQueue(db *sql.DB) *SQLQueue {
	return &SQLQueue{db: db}
}

// EnsureSchema creates the table when it does not exist.
func (q *SQLQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("review: ensure schema: %w", err)
	}
	return nil
}

func (q *SQLQueue) Escalate(ctx context.Context, e Escalation) error {
	if err := e.Validate(); err != nil {
		return err
	}
	verdicts, err := json.Marshal(e.Verdicts)
	if err != nil {
		return fmt.Errorf("review: encode verdicts: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO review_escalations (slice_id, decision, summary, verdicts, escalated_at) VALUES (?, ?, ?, ?, ?)`,
		e.SliceID, string(e.Decision), e.Summary, string(verdicts), e.EscalatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("review: insert escalation: %w", err)
	}
	return nil
}

// Pending returns open escalations, oldest first.
func (q *SQLQueue) Pending(ctx context.Context, limit int) ([]Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT slice_id, decision, summary, verdicts, escalated_at
		 FROM review_escalations WHERE closed_at IS NULL
		 ORDER BY escalated_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("review: list pending: %w", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		var (
			e        Escalation
			decision string
			verdicts string
		)
		if err := rows.Scan(&e.SliceID, &decision, &e.Summary, &verdicts, &e.EscalatedAt); err != nil {
			return nil, fmt.Errorf("review: scan escalation: %w", err)
		}
		e.Decision = ledger.Decision(decision)
		if err := json.Unmarshal([]byte(verdicts), &e.Verdicts); err != nil {
			return nil, fmt.Errorf("review: decode verdicts: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}

// Close marks every open escalation of the slice closed.
func (q *SQLQueue) Close(ctx context.Context, sliceID string, at time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE review_escalations SET closed_at = ? WHERE slice_id = ? AND closed_at IS NULL`,
		at.UTC(), sliceID)
	if err != nil {
		return 0, fmt.Errorf("review: close escalations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("review: rows affected: %w", err)
	}
	return n, nil
}
