package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox writes notification messages inside the caller's transaction, so a
// message exists if and only if the state change that caused it committed.
type Outbox struct {
	idGenerator func() string
	now         func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Enqueue inserts a pending message.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal %s payload: %w", topic, err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload, status, attempts, created_at)
VALUES ($1, $2, $3, 'pending', 0, $4);
`

	if _, err := tx.Exec(ctx, insertSQL, o.idGenerator(), topic, body, o.now().UTC()); err != nil {
		return fmt.Errorf("notify: insert outbox message: %w", err)
	}
	return nil
}
