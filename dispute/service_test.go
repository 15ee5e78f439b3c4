package dispute

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"escrowflow/council"
	"escrowflow/escrow/escrowtest"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/review"
)

type memStore struct {
	mu         sync.Mutex
	records    []Record
	precedents []Precedent
}

func (m *memStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) MarkResolved(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID != id {
			continue
		}
		if m.records[i].Status == StatusResolved {
			return ErrAlreadyFinal
		}
		m.records[i].Status = StatusResolved
		m.records[i].ResolvedAt = &at
		return nil
	}
	return ErrNotFound
}

func (m *memStore) Latest(ctx context.Context, sliceID string) (Record, error) {
	list, _ := m.List(ctx, sliceID)
	if len(list) == 0 {
		return Record{}, ErrNotFound
	}
	return list[0], nil
}

func (m *memStore) List(_ context.Context, sliceID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].SliceID == sliceID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memStore) Precedents(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for i := len(m.precedents) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.precedents[i].Text)
	}
	return out, nil
}

func (m *memStore) AddPrecedent(_ context.Context, p Precedent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precedents = append(m.precedents, p)
	return nil
}

type memQueue struct {
	mu       sync.Mutex
	items    []review.Escalation
	closed   map[string]time.Time
	closeErr error
}

func (q *memQueue) Escalate(_ context.Context, e review.Escalation) error {
	if err := e.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	return nil
}

func (q *memQueue) Close(_ context.Context, sliceID string, at time.Time) (int64, error) {
	if q.closeErr != nil {
		return 0, q.closeErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed == nil {
		q.closed = map[string]time.Time{}
	}
	var n int64
	kept := q.items[:0]
	for _, e := range q.items {
		if e.SliceID == sliceID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	q.items = kept
	if n > 0 {
		q.closed[sliceID] = at
	}
	return n, nil
}

func (q *memQueue) open(sliceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.items {
		if e.SliceID == sliceID {
			n++
		}
	}
	return n
}

type fixedJudge struct {
	name    string
	verdict council.Verdict
	err     error
	calls   atomic.Int32

	mu       sync.Mutex
	lastText string
}

func (j *fixedJudge) Name() string { return j.name }

func (j *fixedJudge) Judge(_ context.Context, text string, _ []string, _ []string) (council.Verdict, error) {
	j.calls.Add(1)
	j.mu.Lock()
	j.lastText = text
	j.mu.Unlock()
	return j.verdict, j.err
}

func voter(name string, d ledger.Decision, split *ledger.Split) *fixedJudge {
	return &fixedJudge{name: name, verdict: council.Verdict{Decision: d, Confidence: 80, SuggestedSplit: split}}
}

type harness struct {
	*escrowtest.Fixture
	store   *memStore
	queue   *memQueue
	judges  []*fixedJudge
	service *Service
}

func newHarness(t *testing.T, judges ...*fixedJudge) *harness {
	t.Helper()
	f := escrowtest.NewFixture(t)
	list := make([]council.Judge, len(judges))
	for i, j := range judges {
		list[i] = j
	}
	c := council.New(list, council.Options{Timeout: time.Second, Logger: logging.Discard()})
	h := &harness{Fixture: f, store: &memStore{}, queue: &memQueue{}, judges: judges}
	h.service = NewService(f.Service, c, h.store, h.queue).
		WithClock(f.Clock.Now).
		WithLogger(logging.Discard())
	return h
}

func photo(name string) ledger.Evidence {
	return ledger.Evidence{URL: "https://cdn.example/" + name + ".jpg", MediaKind: ledger.MediaImage}
}

func TestArbitrateAppliesMajorityRelease(t *testing.T) {
	h := newHarness(t,
		voter("a", ledger.DecisionRelease, nil),
		voter("b", ledger.DecisionRelease, nil),
		&fixedJudge{name: "c", err: council.ErrMissingCredentials},
	)
	view := h.Disputed(t, 10_000, photo("floor"))

	out, err := h.service.Arbitrate(context.Background(), view.Slice.ID)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Escalated || out.Escrow == nil || out.Escrow.Status != ledger.EscrowReleased {
		t.Fatalf("expected released escrow, got %+v", out)
	}
	if out.Record.Status != StatusResolved || out.Record.Source != "council" {
		t.Fatalf("unexpected record %+v", out.Record)
	}

	records, _ := h.service.List(context.Background(), view.Slice.ID)
	if len(records) != 1 || len(records[0].Verdicts) != 3 || records[0].Status != StatusResolved {
		t.Fatalf("expected one resolved record with three verdicts, got %+v", records)
	}
	if !records[0].Verdicts[2].Sentinel {
		t.Fatalf("expected missing-credential judge recorded as sentinel")
	}
	if w := h.Store.Wallet(escrowtest.ProviderID); w.Balance != 10_000 {
		t.Fatalf("expected provider credited, got %+v", w)
	}
}

func TestArbitratePartialConsensus(t *testing.T) {
	split := &ledger.Split{Provider: 80, Client: 20}
	h := newHarness(t,
		voter("a", ledger.DecisionPartial, split),
		voter("b", ledger.DecisionPartial, split),
		voter("c", ledger.DecisionRefund, nil),
	)
	view := h.Disputed(t, 10_000, photo("grout"))

	out, err := h.service.Arbitrate(context.Background(), view.Slice.ID)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Escrow.ProviderAmount != 8_000 || out.Escrow.ClientRefundAmount != 2_000 {
		t.Fatalf("expected 8000/2000, got %d/%d", out.Escrow.ProviderAmount, out.Escrow.ClientRefundAmount)
	}
}

func TestArbitrateWithoutPhotosEscalates(t *testing.T) {
	judge := voter("a", ledger.DecisionRelease, nil)
	h := newHarness(t, judge)
	view := h.Disputed(t, 10_000, ledger.Evidence{URL: "https://cdn.example/invoice.pdf", MediaKind: ledger.MediaDocument})

	out, err := h.service.Arbitrate(context.Background(), view.Slice.ID)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if !out.Escalated || out.Record.Decision != ledger.DecisionAppeal || out.Record.Summary != council.NoEvidenceSummary {
		t.Fatalf("expected escalation, got %+v", out)
	}
	if judge.calls.Load() != 0 {
		t.Fatalf("judge should not be called without photos")
	}
	if len(h.queue.items) != 1 || h.queue.items[0].SliceID != view.Slice.ID {
		t.Fatalf("expected one escalation, got %+v", h.queue.items)
	}
	if got := h.View(t, view.Slice.ID).Escrow.Status; got != ledger.EscrowDisputed {
		t.Fatalf("expected funds to stay disputed, got %s", got)
	}

	if _, err := h.service.Arbitrate(context.Background(), view.Slice.ID); !errors.Is(err, ErrUnderReview) {
		t.Fatalf("expected ErrUnderReview, got %v", err)
	}
	if len(h.queue.items) != 1 {
		t.Fatalf("expected no second escalation")
	}
}

func TestArbitrateSplitDecisionEscalates(t *testing.T) {
	h := newHarness(t,
		voter("a", ledger.DecisionRelease, nil),
		voter("b", ledger.DecisionRefund, nil),
	)
	view := h.Disputed(t, 10_000, photo("wall"))

	out, err := h.service.Arbitrate(context.Background(), view.Slice.ID)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if !out.Escalated || out.Record.Decision != ledger.DecisionSplit || out.Record.Status != StatusUnderReview {
		t.Fatalf("expected split decision escalated, got %+v", out.Record)
	}
	if len(h.queue.items[0].Verdicts) != 2 {
		t.Fatalf("expected verdicts handed to reviewers")
	}
}

func TestArbitrateReappliesDecidedRecord(t *testing.T) {
	a := voter("a", ledger.DecisionRefund, nil)
	h := newHarness(t, a)
	view := h.Disputed(t, 10_000, photo("door"))
	h.Gateway.Fail(gateway.OpRefund, errors.New("rail down"))

	out, err := h.service.Arbitrate(context.Background(), view.Slice.ID)
	if !gateway.IsRetryable(err) {
		t.Fatalf("expected retryable gateway error, got %v", err)
	}
	if out.Record.Status != StatusDecided {
		t.Fatalf("expected decided record, got %s", out.Record.Status)
	}

	h.Gateway.Fail(gateway.OpRefund, nil)
	out, err = h.service.Arbitrate(context.Background(), view.Slice.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Escrow.Status != ledger.EscrowRefunded || out.Escrow.ClientRefundAmount != 11_500 {
		t.Fatalf("expected full refund, got %+v", out.Escrow)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("expected one deliberation, judge called %d times", a.calls.Load())
	}
	records, _ := h.service.List(context.Background(), view.Slice.ID)
	if len(records) != 1 || records[0].Status != StatusResolved {
		t.Fatalf("expected the same record resolved, got %+v", records)
	}
}

func TestOverrideAppliesAndRecordsPrecedent(t *testing.T) {
	judge := voter("a", ledger.DecisionRelease, nil)
	h := newHarness(t, judge)
	first := h.Disputed(t, 10_000)
	if _, err := h.service.Arbitrate(context.Background(), first.Slice.ID); err != nil {
		t.Fatalf("arbitrate: %v", err)
	}

	out, err := h.service.Override(context.Background(), OverrideParams{
		SliceID:    first.Slice.ID,
		ReviewerID: "reviewer-7",
		Decision:   ledger.DecisionPartial,
		Split:      &ledger.Split{Provider: 60, Client: 40},
		Precedent:  "Visible grout haze counts as minor, not a failed job.",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.Escrow.ProviderAmount != 6_000 || out.Escrow.ClientRefundAmount != 4_000 {
		t.Fatalf("expected 6000/4000, got %+v", out.Escrow)
	}
	if out.ClosedEscalations != 1 || h.queue.open(first.Slice.ID) != 0 {
		t.Fatalf("expected the escalation closed, closed=%d open=%d", out.ClosedEscalations, h.queue.open(first.Slice.ID))
	}
	records, _ := h.service.List(context.Background(), first.Slice.ID)
	if len(records) != 2 || records[0].Source != "reviewer-7" || records[0].Status != StatusResolved {
		t.Fatalf("expected override recorded first, got %+v", records)
	}

	second := h.Disputed(t, 5_000, photo("tiles"))
	if _, err := h.service.Arbitrate(context.Background(), second.Slice.ID); err != nil {
		t.Fatalf("arbitrate second: %v", err)
	}
	judge.mu.Lock()
	text := judge.lastText
	judge.mu.Unlock()
	if !strings.Contains(text, "Visible grout haze counts as minor") {
		t.Fatalf("expected precedent in judge input, got %q", text)
	}
}

func TestOverrideSurvivesReviewQueueFailure(t *testing.T) {
	h := newHarness(t, voter("a", ledger.DecisionRelease, nil))
	view := h.Disputed(t, 10_000)
	if _, err := h.service.Arbitrate(context.Background(), view.Slice.ID); err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	h.queue.closeErr = errors.New("queue offline")

	out, err := h.service.Override(context.Background(), OverrideParams{
		SliceID: view.Slice.ID, ReviewerID: "reviewer-7", Decision: ledger.DecisionRefund,
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.Escrow.Status != ledger.EscrowRefunded || out.ClosedEscalations != 0 {
		t.Fatalf("expected refund applied without closing, got %+v", out)
	}
	if h.queue.open(view.Slice.ID) != 1 {
		t.Fatalf("expected escalation still queued")
	}
}

func TestOverrideRejections(t *testing.T) {
	h := newHarness(t, voter("a", ledger.DecisionRelease, nil))
	view := h.Disputed(t, 10_000)
	completed := h.Completed(t, 10_000)

	cases := []OverrideParams{
		{SliceID: view.Slice.ID, ReviewerID: "", Decision: ledger.DecisionRefund},
		{SliceID: view.Slice.ID, ReviewerID: "r", Decision: ledger.DecisionAppeal},
		{SliceID: view.Slice.ID, ReviewerID: "r", Decision: ledger.DecisionPartial},
		{SliceID: view.Slice.ID, ReviewerID: "r", Decision: ledger.DecisionPartial, Split: &ledger.Split{Provider: 50, Client: 40}},
	}
	for i, p := range cases {
		if _, err := h.service.Override(context.Background(), p); !errors.Is(err, ErrBadOverride) {
			t.Errorf("case %d: expected ErrBadOverride, got %v", i, err)
		}
	}
	_, err := h.service.Override(context.Background(), OverrideParams{SliceID: completed.ID, ReviewerID: "r", Decision: ledger.DecisionRefund})
	if !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
	if len(h.store.records) != 0 {
		t.Fatalf("expected no records written, got %d", len(h.store.records))
	}
}

func TestArbitrateRejectsUndisputedSlice(t *testing.T) {
	h := newHarness(t, voter("a", ledger.DecisionRelease, nil))
	slice := h.Completed(t, 10_000)

	if _, err := h.service.Arbitrate(context.Background(), slice.ID); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
}
