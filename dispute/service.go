package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"escrowflow/council"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/review"
)

// Escrow is the part of escrow.Service arbitration drives.
type Escrow interface {
	Get(ctx context.Context, sliceID string) (escrow.View, error)
	ApplyResolution(ctx context.Context, sliceID string, res ledger.Resolution) (ledger.EscrowPayment, error)
}

// Deliberator is satisfied by *council.Council.
type Deliberator interface {
	Deliberate(ctx context.Context, cs council.Case) council.Consensus
}

type Store interface {
	Insert(ctx context.Context, rec Record) error
	MarkResolved(ctx context.Context, id string, at time.Time) error
	Latest(ctx context.Context, sliceID string) (Record, error)
	List(ctx context.Context, sliceID string) ([]Record, error)
	Precedents(ctx context.Context, limit int) ([]string, error)
	AddPrecedent(ctx context.Context, p Precedent) error
}

// Service runs disputed slices through the council and applies the result.
type Service struct {
	escrow        Escrow
	council       Deliberator
	store         Store
	queue         review.Queue
	maxPrecedents int
	idGenerator   func() string
	now           func() time.Time
	log           logrus.FieldLogger
}

func NewService(esc Escrow, c Deliberator, store Store, queue review.Queue) *Service {
	return &Service{
		escrow:        esc,
		council:       c,
		store:         store,
		queue:         queue,
		maxPrecedents: council.DefaultMaxPrecedents,
		idGenerator:   func() string { return uuid.NewString() },
		now:           time.Now,
		log:           logging.OrDefault(nil),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = logging.OrDefault(log)
	return s
}

func (s *Service) WithMaxPrecedents(n int) *Service {
	if n > 0 {
		s.maxPrecedents = n
	}
	return s
}

// Arbitrate deliberates on a disputed slice. Funds decisions are applied
// through the escrow state machine; appealed and split decisions go to the
// review queue. A decided record whose application failed is re-applied
// without deliberating again.
func (s *Service) Arbitrate(ctx context.Context, sliceID string) (Outcome, error) {
	view, err := s.disputed(ctx, sliceID)
	if err != nil {
		return Outcome{}, err
	}

	latest, err := s.store.Latest(ctx, sliceID)
	switch {
	case err == nil && latest.Status == StatusDecided:
		return s.apply(ctx, latest)
	case err == nil && latest.Status == StatusUnderReview:
		return Outcome{Record: latest}, ErrUnderReview
	case err != nil && !errors.Is(err, ErrNotFound):
		return Outcome{}, err
	}

	precedents, err := s.store.Precedents(ctx, s.maxPrecedents)
	if err != nil {
		return Outcome{}, err
	}
	consensus := s.council.Deliberate(ctx, caseFor(view, precedents))

	rec := Record{
		ID:        s.idGenerator(),
		SliceID:   sliceID,
		Decision:  consensus.Decision,
		Split:     consensus.Split,
		Summary:   consensus.Summary,
		Verdicts:  consensus.Verdicts,
		Source:    "council",
		Status:    StatusDecided,
		CreatedAt: s.now().UTC(),
	}

	if _, moves := consensus.Resolution(); !moves {
		rec.Status = StatusUnderReview
		if err := s.queue.Escalate(ctx, review.Escalation{
			SliceID:     sliceID,
			Decision:    consensus.Decision,
			Summary:     consensus.Summary,
			Verdicts:    consensus.Verdicts,
			EscalatedAt: rec.CreatedAt,
		}); err != nil {
			return Outcome{}, fmt.Errorf("dispute: escalate: %w", err)
		}
		if err := s.store.Insert(ctx, rec); err != nil {
			return Outcome{}, err
		}
		s.log.WithFields(logrus.Fields{
			"slice_id": sliceID,
			"decision": rec.Decision,
		}).Info("dispute escalated to human review")
		return Outcome{Record: rec, Escalated: true}, nil
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return Outcome{}, err
	}
	return s.apply(ctx, rec)
}

// Override applies a reviewer's decision to a disputed slice.
func (s *Service) Override(ctx context.Context, p OverrideParams) (Outcome, error) {
	reviewer := strings.TrimSpace(p.ReviewerID)
	if reviewer == "" {
		return Outcome{}, fmt.Errorf("%w: reviewer required", ErrBadOverride)
	}
	if !p.Decision.MovesFunds() {
		return Outcome{}, fmt.Errorf("%w: %s does not move funds", ErrBadOverride, p.Decision)
	}
	if p.Decision == ledger.DecisionPartial {
		if p.Split == nil {
			return Outcome{}, fmt.Errorf("%w: partial override requires a split", ErrBadOverride)
		}
		if err := p.Split.Validate(); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrBadOverride, err)
		}
	} else {
		p.Split = nil
	}
	if _, err := s.disputed(ctx, p.SliceID); err != nil {
		return Outcome{}, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:        s.idGenerator(),
		SliceID:   p.SliceID,
		Decision:  p.Decision,
		Split:     p.Split,
		Summary:   "Human override by " + reviewer,
		Verdicts:  []council.Verdict{},
		Source:    reviewer,
		Status:    StatusDecided,
		CreatedAt: now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return Outcome{}, err
	}
	out, err := s.apply(ctx, rec)
	if err != nil {
		return out, err
	}
	// The funds have moved; a queue failure must not report the override
	// as failed, the next override attempt would only see ErrNotDisputed.
	if closed, err := s.queue.Close(ctx, p.SliceID, now); err != nil {
		s.log.WithField("slice_id", p.SliceID).WithError(err).Warn("review escalation left open after override")
	} else {
		out.ClosedEscalations = closed
	}

	if text := strings.TrimSpace(p.Precedent); text != "" {
		if err := s.store.AddPrecedent(ctx, Precedent{
			ID:         s.idGenerator(),
			SliceID:    p.SliceID,
			ReviewerID: reviewer,
			Text:       text,
			CreatedAt:  now,
		}); err != nil {
			return out, err
		}
	}
	return out, nil
}

// List returns the arbitration records of a slice, newest first.
func (s *Service) List(ctx context.Context, sliceID string) ([]Record, error) {
	return s.store.List(ctx, sliceID)
}

func (s *Service) apply(ctx context.Context, rec Record) (Outcome, error) {
	e, err := s.escrow.ApplyResolution(ctx, rec.SliceID, ledger.Resolution{
		Decision: rec.Decision,
		Split:    rec.Split,
		Source:   rec.Source,
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"slice_id":  rec.SliceID,
			"record_id": rec.ID,
			"decision":  rec.Decision,
		}).WithError(err).Warn("arbitration decision not applied")
		return Outcome{Record: rec}, err
	}

	at := s.now().UTC()
	if err := s.store.MarkResolved(ctx, rec.ID, at); err != nil && !errors.Is(err, ErrAlreadyFinal) {
		return Outcome{Record: rec, Escrow: &e}, err
	}
	rec.Status = StatusResolved
	rec.ResolvedAt = &at
	return Outcome{Record: rec, Escrow: &e}, nil
}

func (s *Service) disputed(ctx context.Context, sliceID string) (escrow.View, error) {
	view, err := s.escrow.Get(ctx, sliceID)
	if err != nil {
		return escrow.View{}, err
	}
	if view.Slice.Status != ledger.SliceDisputed || view.Escrow == nil || view.Escrow.Status != ledger.EscrowDisputed {
		return escrow.View{}, fmt.Errorf("%w: slice %s is %s", ErrNotDisputed, sliceID, view.Slice.Status)
	}
	return view, nil
}

func caseFor(view escrow.View, precedents []string) council.Case {
	sl := view.Slice
	reason := ""
	if sl.DisputeReason != nil {
		reason = *sl.DisputeReason
	}
	return council.Case{
		SliceID: sl.ID,
		Contract: council.Contract{
			Title:              sl.Title,
			Description:        sl.Description,
			AcceptanceCriteria: sl.AcceptanceCriteria,
			Price:              sl.Price,
			Currency:           sl.Currency,
			DisputeReason:      reason,
		},
		Evidence:   sl.DisputeEvidence,
		Precedents: precedents,
	}
}
