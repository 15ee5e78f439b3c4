package autorelease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"escrowflow/escrow"
	"escrowflow/escrow/escrowtest"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
)

func TestSweepReleasesDueSlicesOnce(t *testing.T) {
	f := escrowtest.NewFixture(t)
	a := f.Completed(t, 10_000)
	b := f.Completed(t, 4_000)
	disputed := f.Disputed(t, 7_000)
	f.Clock.Advance(73 * time.Hour)
	notDue := f.Completed(t, 2_000)

	s := New(f.Service, Config{Workers: 2}).WithLogger(logging.Discard())
	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report != (Report{Candidates: 2, Released: 2}) {
		t.Fatalf("unexpected report %+v", report)
	}

	for _, id := range []string{a.ID, b.ID} {
		v := f.View(t, id)
		if v.Slice.Status != ledger.SlicePaid || v.Escrow.Status != ledger.EscrowReleased {
			t.Fatalf("slice %s: expected paid/released, got %s/%s", id, v.Slice.Status, v.Escrow.Status)
		}
	}
	if got := f.View(t, disputed.Slice.ID).Escrow.Status; got != ledger.EscrowDisputed {
		t.Fatalf("disputed escrow must stay frozen, got %s", got)
	}
	if got := f.View(t, notDue.ID).Slice.Status; got != ledger.SliceCompleted {
		t.Fatalf("slice inside the window must stay completed, got %s", got)
	}
	releasedAt := *f.View(t, a.ID).Escrow.ReleasedAt

	f.Clock.Advance(time.Hour)
	report, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report != (Report{}) {
		t.Fatalf("expected empty second sweep, got %+v", report)
	}
	if !f.View(t, a.ID).Escrow.ReleasedAt.Equal(releasedAt) {
		t.Fatalf("released_at must not move on a later sweep")
	}
	if got := f.Store.Wallet(escrowtest.ProviderID).Balance; got != 14_000 {
		t.Fatalf("expected provider balance 14000, got %d", got)
	}
}

func TestSweepCountsGatewayFailuresAndContinues(t *testing.T) {
	f := escrowtest.NewFixture(t)
	a := f.Completed(t, 10_000)
	f.Completed(t, 5_000)
	f.Clock.Advance(73 * time.Hour)
	f.Gateway.Fail(gateway.OpRelease, errors.New("rail timeout"))

	s := New(f.Service, Config{}).WithLogger(logging.Discard())
	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report != (Report{Candidates: 2, Failed: 2}) {
		t.Fatalf("unexpected report %+v", report)
	}
	v := f.View(t, a.ID)
	if v.Escrow.Status != ledger.EscrowHeld || v.Escrow.SettlingUntil != nil {
		t.Fatalf("failed release must leave the escrow held and unleased, got %s %v", v.Escrow.Status, v.Escrow.SettlingUntil)
	}

	f.Gateway.Fail(gateway.OpRelease, nil)
	report, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if report != (Report{Candidates: 2, Released: 2}) {
		t.Fatalf("unexpected retry report %+v", report)
	}
}

type scriptedReleaser struct {
	due     []ledger.Slice
	results map[string]error
	listErr error
}

func (r *scriptedReleaser) ListDue(context.Context, int) ([]ledger.Slice, error) {
	return r.due, r.listErr
}

func (r *scriptedReleaser) ReleaseDue(_ context.Context, id string) (ledger.EscrowPayment, error) {
	return ledger.EscrowPayment{}, r.results[id]
}

func TestSweepTreatsStaleStateAsSkipped(t *testing.T) {
	r := &scriptedReleaser{
		due: []ledger.Slice{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}},
		results: map[string]error{
			"s2": fmt.Errorf("%w: slice s2 is disputed", escrow.ErrStaleState),
			"s3": &gateway.Error{Backend: "mock", Op: gateway.OpRelease, Retryable: true, Err: errors.New("503")},
		},
	}
	report, err := New(r, Config{Workers: 1}).WithLogger(logging.Discard()).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report != (Report{Candidates: 3, Released: 1, Skipped: 1, Failed: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSweepListFailure(t *testing.T) {
	r := &scriptedReleaser{listErr: errors.New("db down")}
	_, err := New(r, Config{}).Sweep(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected list failure, got %v", err)
	}
}

func TestRegisterValidatesSpec(t *testing.T) {
	c := cron.New()
	s := New(&scriptedReleaser{}, Config{})

	if _, err := s.Register(context.Background(), c, ""); err != nil {
		t.Fatalf("register default: %v", err)
	}
	if _, err := s.Register(context.Background(), c, "not a spec"); err == nil {
		t.Fatalf("expected bad cron spec rejected")
	}
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("expected one cron entry, got %d", n)
	}
}
