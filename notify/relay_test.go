package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"

	"escrowflow/logging"
)

func TestDrain_PublishesAndMarks(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []Message{
		{ID: "m1", Topic: TopicFundsReleased},
		{ID: "m2", Topic: TopicDisputeOpened, Attempts: 2},
	}}
	pub := &fakePublisher{failFor: map[string]error{"m2": errors.New("smtp down")}}
	relay := NewRelay(pool, store, pub, 3, logging.Discard())

	report, err := relay.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Claimed != 2 || report.Published != 1 || report.Failed != 1 || report.Dead != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if store.processed["m1"].IsZero() {
		t.Errorf("expected m1 processed")
	}
	if got := store.failed["m2"]; got.attempts != 3 || !got.dead {
		t.Errorf("expected m2 dead after third attempt, got %+v", got)
	}
	if !pool.tx.committed {
		t.Errorf("expected drain to commit")
	}
}

func TestDrain_FailureBelowLimitStaysPending(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []Message{{ID: "m1", Topic: TopicProposalAccepted}}}
	pub := &fakePublisher{failFor: map[string]error{"m1": errors.New("timeout")}}
	relay := NewRelay(pool, store, pub, 0, logging.Discard())

	report, err := relay.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Dead != 0 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := store.failed["m1"]; got.attempts != 1 || got.dead {
		t.Errorf("expected one attempt and pending, got %+v", got)
	}
}

func TestDrain_ClaimErrorRollsBack(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{claimErr: errors.New("conn reset")}
	relay := NewRelay(pool, store, &fakePublisher{}, 3, logging.Discard())

	if _, err := relay.Drain(context.Background(), 10); err == nil {
		t.Fatalf("expected claim error")
	}
	if pool.tx.committed || !pool.tx.rolled {
		t.Fatalf("expected rollback without commit")
	}
}

type failure struct {
	attempts int
	dead     bool
}

type fakeStore struct {
	pending   []Message
	claimErr  error
	processed map[string]time.Time
	failed    map[string]failure
}

func (f *fakeStore) Claim(context.Context, pgx.Tx, int) ([]Message, error) {
	return f.pending, f.claimErr
}

func (f *fakeStore) MarkProcessed(_ context.Context, _ pgx.Tx, id string, at time.Time) error {
	if f.processed == nil {
		f.processed = map[string]time.Time{}
	}
	f.processed[id] = at
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ pgx.Tx, id string, attempts int, dead bool, _ string) error {
	if f.failed == nil {
		f.failed = map[string]failure{}
	}
	f.failed[id] = failure{attempts: attempts, dead: dead}
	return nil
}

type fakePublisher struct {
	failFor map[string]error
}

func (f *fakePublisher) Publish(_ context.Context, msg Message) error {
	return f.failFor[msg.ID]
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

func TestRegisterValidatesSpec(t *testing.T) {
	relay := NewRelay(&fakePool{}, &fakeStore{}, &fakePublisher{}, 0, logging.Discard())
	c := cron.New()
	if _, err := relay.Register(context.Background(), c, "not a spec", 10); err == nil {
		t.Fatalf("expected invalid spec error")
	}
	if _, err := relay.Register(context.Background(), c, "", 10); err != nil {
		t.Fatalf("default spec: %v", err)
	}
	if got := len(c.Entries()); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}
