package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository is the pgx Store implementation.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
SELECT id::text, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED;
`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim outbox: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate outbox: %w", err)
	}
	return msgs, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'processed', processed_at = $2 WHERE id = $1;
`, id, at); err != nil {
		return fmt.Errorf("notify: mark processed: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, attempts int, dead bool, lastErr string) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	if _, err := tx.Exec(ctx, `
UPDATE outbox SET attempts = $2, status = $3, last_error = $4 WHERE id = $1;
`, id, attempts, status, lastErr); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
