package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"escrowflow/logging"
	"escrowflow/metrics"
)

// Publisher delivers a message to the notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store claims and settles outbox rows inside a relay transaction.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, attempts int, dead bool, lastErr string) error
}

// DefaultMaxAttempts is how many failed deliveries a message survives.
const DefaultMaxAttempts = 8

// Report summarises one drain.
type Report struct {
	Claimed   int
	Published int
	Failed    int
	Dead      int
}

// Relay moves pending outbox rows to the Publisher.
type Relay struct {
	pool        TxBeginner
	store       Store
	publisher   Publisher
	maxAttempts int
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher, maxAttempts int, log logrus.FieldLogger) *Relay {
	if store == nil {
		store = NewRepository()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		maxAttempts: maxAttempts,
		now:         time.Now,
		log:         logging.OrDefault(log),
	}
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Drain claims up to limit pending messages and publishes them. Rows are
// claimed with SKIP LOCKED, so concurrent relays never deliver the same row
// in parallel.
func (r *Relay) Drain(ctx context.Context, limit int) (Report, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, limit)
	if err != nil {
		return Report{}, err
	}

	report := Report{Claimed: len(msgs)}
	for _, msg := range msgs {
		if perr := r.publisher.Publish(ctx, msg); perr != nil {
			attempts := msg.Attempts + 1
			dead := attempts >= r.maxAttempts
			if err := r.store.MarkFailed(ctx, tx, msg.ID, attempts, dead, perr.Error()); err != nil {
				return Report{}, err
			}
			report.Failed++
			result := "failed"
			if dead {
				report.Dead++
				result = StatusDead
			}
			metrics.RecordOutbox(msg.Topic, result)
			r.log.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"topic":      msg.Topic,
				"attempts":   attempts,
				"dead":       dead,
			}).WithError(perr).Warn("outbox publish failed")
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID, r.now().UTC()); err != nil {
			return Report{}, err
		}
		report.Published++
		metrics.RecordOutbox(msg.Topic, StatusProcessed)
	}

	if err := tx.Commit(ctx); err != nil {
		return Report{}, fmt.Errorf("notify: commit drain: %w", err)
	}
	return report, nil
}

// DefaultSpec drains the outbox every half minute.
const DefaultSpec = "@every 30s"

// Register schedules Drain on c. Overlapping drains are skipped.
func (r *Relay) Register(ctx context.Context, c *cron.Cron, spec string, limit int) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		report, err := r.Drain(ctx, limit)
		if err != nil {
			r.log.WithError(err).Error("outbox drain failed")
			return
		}
		if report.Claimed > 0 {
			r.log.WithFields(logrus.Fields{
				"claimed":   report.Claimed,
				"published": report.Published,
				"failed":    report.Failed,
				"dead":      report.Dead,
			}).Info("outbox drained")
		}
	}))
	id, err := c.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("notify: schedule %q: %w", spec, err)
	}
	return id, nil
}

// LogPublisher is the default Publisher: it logs each message.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	logging.OrDefault(p.Log).WithFields(logrus.Fields{
		"message_id": msg.ID,
		"topic":      msg.Topic,
		"payload":    string(msg.Payload),
	}).Info("notification")
	return nil
}
