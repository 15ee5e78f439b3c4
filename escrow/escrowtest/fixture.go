package escrowtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
)

// Parties used by fixtures.
const (
	ClientID   = "client-1"
	ProviderID = "provider-1"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Fixture wires a Service over an in-memory Store and a mock gateway.
type Fixture struct {
	Store   *Store
	Gateway *gateway.MockGateway
	Service *escrow.Service
	Clock   *Clock
}

// NewFixture builds a fixture whose clock starts at 2026-01-10 09:00 UTC.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	clock := NewClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	gw := gateway.NewMockGateway().WithClock(clock.Now)
	reg, err := gateway.NewRegistry(gateway.Policy{Default: gateway.MockBackend}, gw)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := New()
	svc := escrow.NewService(store, store, reg, store, store, escrow.DefaultConfig()).
		WithClock(clock.Now).
		WithLogger(logging.Discard())
	return &Fixture{Store: store, Gateway: gw, Service: svc, Clock: clock}
}

// Proposed creates a proposed slice at price minor units of USD.
func (f *Fixture) Proposed(t testing.TB, price int64) ledger.Slice {
	t.Helper()
	slice, err := f.Service.Propose(context.Background(), escrow.ProposeParams{
		ClientID:           ClientID,
		ProviderID:         ProviderID,
		Title:              "Tile bathroom floor",
		AcceptanceCriteria: "Even grout lines, no cracked tiles",
		Price:              price,
		Currency:           "USD",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return slice
}

// Funded creates a slice whose escrow is held.
func (f *Fixture) Funded(t testing.TB, price int64) escrow.FundResult {
	t.Helper()
	slice := f.Proposed(t, price)
	res, err := f.Service.AcceptQuote(context.Background(), escrow.AcceptParams{SliceID: slice.ID, ActorID: ClientID})
	if err != nil {
		t.Fatalf("accept quote: %v", err)
	}
	return res
}

// InProgress creates a funded slice the provider has started.
func (f *Fixture) InProgress(t testing.TB, price int64) ledger.Slice {
	t.Helper()
	res := f.Funded(t, price)
	slice, err := f.Service.StartWork(context.Background(), res.Slice.ID, ProviderID)
	if err != nil {
		t.Fatalf("start work: %v", err)
	}
	return slice
}

// Completed creates a slice the provider has delivered.
func (f *Fixture) Completed(t testing.TB, price int64) ledger.Slice {
	t.Helper()
	slice := f.InProgress(t, price)
	slice, err := f.Service.CompleteWork(context.Background(), slice.ID, ProviderID)
	if err != nil {
		t.Fatalf("complete work: %v", err)
	}
	return slice
}

// Disputed creates a completed slice the client has disputed with evidence.
func (f *Fixture) Disputed(t testing.TB, price int64, evidence ...ledger.Evidence) escrow.View {
	t.Helper()
	slice := f.Completed(t, price)
	view, err := f.Service.RaiseDispute(context.Background(), escrow.DisputeParams{
		SliceID:  slice.ID,
		ActorID:  ClientID,
		Reason:   "Grout lines are uneven along the shower wall",
		Evidence: evidence,
	})
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	return view
}

// View reads back a slice and its escrow.
func (f *Fixture) View(t testing.TB, sliceID string) escrow.View {
	t.Helper()
	view, err := f.Service.Get(context.Background(), sliceID)
	if err != nil {
		t.Fatalf("get %s: %v", sliceID, err)
	}
	return view
}
