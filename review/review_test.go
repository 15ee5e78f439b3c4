package review

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"

	"escrowflow/council"
	"escrowflow/ledger"
)

var escalatedAt = time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

func splitEscalation() Escalation {
	return Escalation{
		SliceID:  "slice-1",
		Decision: ledger.DecisionSplit,
		Summary:  "No majority among 2 active verdicts",
		Verdicts: []council.Verdict{
			{Judge: "a", Decision: ledger.DecisionRelease, Confidence: 80},
			{Judge: "b", Decision: ledger.DecisionRefund, Confidence: 75},
		},
		EscalatedAt: escalatedAt,
	}
}

// fakeLister keeps the list head first, as LPUSH does.
type fakeLister struct {
	key   string
	items []string
	err   error
}

func (f *fakeLister) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.key = key
	for _, v := range values {
		f.items = append([]string{string(v.([]byte))}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeLister) LLen(_ context.Context, _ string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(f.items)), f.err)
}

func (f *fakeLister) LRange(_ context.Context, _ string, _, _ int64) *redis.StringSliceCmd {
	return redis.NewStringSliceResult(append([]string(nil), f.items...), f.err)
}

func (f *fakeLister) LRem(_ context.Context, _ string, _ int64, value interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	kept := f.items[:0]
	var removed int64
	for _, item := range f.items {
		if item == value.(string) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	f.items = kept
	return redis.NewIntResult(removed, nil)
}

func TestRedisQueuePushesJSON(t *testing.T) {
	client := &fakeLister{}
	q := NewRedisQueue(client, "")

	if err := q.Escalate(context.Background(), splitEscalation()); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if client.key != DefaultRedisKey || len(client.items) != 1 {
		t.Fatalf("expected one item on %s, got %d on %s", DefaultRedisKey, len(client.items), client.key)
	}
	var got Escalation
	if err := json.Unmarshal([]byte(client.items[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SliceID != "slice-1" || got.Decision != ledger.DecisionSplit || len(got.Verdicts) != 2 {
		t.Fatalf("unexpected escalation %+v", got)
	}

	n, err := q.Len(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected length 1, got %d (%v)", n, err)
	}
}

func TestRedisQueueCloseRemovesOnlyThatSlice(t *testing.T) {
	client := &fakeLister{}
	q := NewRedisQueue(client, "k")
	other := splitEscalation()
	other.SliceID = "slice-2"
	again := splitEscalation()
	again.EscalatedAt = escalatedAt.Add(time.Minute)
	for _, e := range []Escalation{splitEscalation(), other, again} {
		if err := q.Escalate(context.Background(), e); err != nil {
			t.Fatalf("escalate: %v", err)
		}
	}
	client.items = append(client.items, "not json")

	n, err := q.Close(context.Background(), "slice-1", escalatedAt)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two escalations removed, got %d", n)
	}
	if len(client.items) != 2 || !strings.Contains(client.items[0], "slice-2") || client.items[1] != "not json" {
		t.Fatalf("unexpected remaining items %v", client.items)
	}

	if n, err := q.Close(context.Background(), "slice-1", escalatedAt); err != nil || n != 0 {
		t.Fatalf("expected second close to remove nothing, got %d (%v)", n, err)
	}
}

func TestRedisQueueErrors(t *testing.T) {
	q := NewRedisQueue(&fakeLister{err: errors.New("connection refused")}, "k")
	if err := q.Escalate(context.Background(), splitEscalation()); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected push failure, got %v", err)
	}
	if _, err := q.Close(context.Background(), "slice-1", escalatedAt); err == nil {
		t.Fatalf("expected close failure")
	}
	if err := q.Escalate(context.Background(), Escalation{SliceID: " "}); !errors.Is(err, ErrInvalidEscalation) {
		t.Fatalf("expected invalid escalation, got %v", err)
	}
}

func TestSQLQueueEscalate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO review_escalations")).
		WithArgs("slice-1", "split_decision", "No majority among 2 active verdicts", sqlmock.AnyArg(), escalatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := NewSQLQueue(db).Escalate(context.Background(), splitEscalation()); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLQueuePending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"slice_id", "decision", "summary", "verdicts", "escalated_at"}).
		AddRow("slice-1", "appealed", "No visual evidence", `[]`, escalatedAt).
		AddRow("slice-2", "split_decision", "tie", `[{"judge":"a","decision":"resolved_release","confidence":80,"reasoning":"ok"}]`, escalatedAt.Add(time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM review_escalations WHERE closed_at IS NULL")).
		WithArgs(10).
		WillReturnRows(rows)

	got, err := NewSQLQueue(db).Pending(context.Background(), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(got) != 2 || got[0].Decision != ledger.DecisionAppeal || len(got[0].Verdicts) != 0 {
		t.Fatalf("unexpected pending %+v", got)
	}
	if len(got[1].Verdicts) != 1 || got[1].Verdicts[0].Decision != ledger.DecisionRelease {
		t.Fatalf("unexpected verdicts %+v", got[1].Verdicts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLQueueClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE review_escalations SET closed_at")).
		WithArgs(escalatedAt, "slice-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewSQLQueue(db).Close(context.Background(), "slice-1", escalatedAt)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two rows closed, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
