package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notify"
)

// Config tunes the state machine.
type Config struct {
	AutoReleaseWindow time.Duration
	// MinDisputeReason is counted in runes after trimming.
	MinDisputeReason int
	// SettlementLease bounds how long a gateway call may hold an escrow.
	SettlementLease time.Duration
	Fees            ledger.FeeSchedule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AutoReleaseWindow: 72 * time.Hour,
		MinDisputeReason:  10,
		SettlementLease:   2 * time.Minute,
		Fees:              ledger.DefaultFeeSchedule(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AutoReleaseWindow <= 0 {
		c.AutoReleaseWindow = def.AutoReleaseWindow
	}
	if c.MinDisputeReason <= 0 {
		c.MinDisputeReason = def.MinDisputeReason
	}
	if c.SettlementLease <= 0 {
		c.SettlementLease = def.SettlementLease
	}
	if c.Fees == (ledger.FeeSchedule{}) {
		c.Fees = def.Fees
	}
	return c
}

// Service applies slice and escrow transitions. Every transition is one
// transaction covering both rows, the timeline event and any outbox message.
// Gateway calls happen between transactions under a settlement lease, so no
// row lock is held across network I/O.
type Service struct {
	pool        TxBeginner
	repo        Repository
	gateways    Gateways
	outbox      OutboxWriter
	wallets     WalletCrediter
	cfg         Config
	idGenerator func() string
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewService(pool TxBeginner, repo Repository, gateways Gateways, outbox OutboxWriter, wallets WalletCrediter, cfg Config) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		gateways:    gateways,
		outbox:      outbox,
		wallets:     wallets,
		cfg:         cfg.withDefaults(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		log:         logging.OrDefault(nil),
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

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Propose records a new slice in the proposed state.
func (s *Service) Propose(ctx context.Context, p ProposeParams) (ledger.Slice, error) {
	if strings.TrimSpace(p.ClientID) == "" || strings.TrimSpace(p.ProviderID) == "" {
		return ledger.Slice{}, invalid("client and provider required")
	}
	if p.ClientID == p.ProviderID {
		return ledger.Slice{}, invalid("client and provider must differ")
	}
	if strings.TrimSpace(p.Title) == "" {
		return ledger.Slice{}, invalid("title required")
	}
	if p.Price <= 0 {
		return ledger.Slice{}, invalid("price must be positive")
	}
	cur, err := gateway.NormalizeCurrency(p.Currency)
	if err != nil {
		return ledger.Slice{}, invalid("unsupported currency " + p.Currency)
	}
	if _, err := s.cfg.Fees.Compute(p.Price); err != nil {
		return ledger.Slice{}, fmt.Errorf("escrow: price: %w", err)
	}

	now := s.now().UTC()
	slice := ledger.Slice{
		ID:                 s.idGenerator(),
		ClientID:           p.ClientID,
		ProviderID:         p.ProviderID,
		Title:              strings.TrimSpace(p.Title),
		Description:        p.Description,
		AcceptanceCriteria: p.AcceptanceCriteria,
		Price:              p.Price,
		Currency:           cur,
		Status:             ledger.SliceProposed,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.InsertSlice(ctx, tx, slice); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, slice.ID, EventSliceProposed, p.ClientID, map[string]any{
			"price":    slice.Price,
			"currency": slice.Currency,
		})
	})
	if err != nil {
		return ledger.Slice{}, err
	}
	return slice, nil
}

// AcceptQuote moves a proposed slice to accepted, creates its pending escrow
// with the computed amounts and funds it at the selected gateway. When
// funding fails the slice stays accepted and the escrow stays pending; the
// returned error is a retryable *gateway.Error and FundEscrow retries.
func (s *Service) AcceptQuote(ctx context.Context, p AcceptParams) (FundResult, error) {
	gw, err := s.gateways.Select(gateway.Selection{Backend: p.Backend, Region: p.Region})
	if err != nil {
		return FundResult{}, fmt.Errorf("escrow: select gateway: %w", err)
	}

	now := s.now().UTC()
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		slice, err := s.repo.LockSlice(ctx, tx, p.SliceID)
		if err != nil {
			return err
		}
		if p.ActorID != slice.ClientID {
			return invalid("only the client can accept a quote")
		}
		next, err := TransitionSlice(slice, ledger.SliceAccepted, now, s.cfg.AutoReleaseWindow)
		if err != nil {
			return err
		}
		amounts, err := s.cfg.Fees.Compute(slice.Price)
		if err != nil {
			return fmt.Errorf("escrow: compute amounts: %w", err)
		}

		esc := ledger.EscrowPayment{
			ID:                  s.idGenerator(),
			SliceID:             slice.ID,
			Status:              ledger.EscrowPending,
			TotalAmount:         amounts.TotalAmount,
			SliceAmount:         amounts.SliceAmount,
			PlatformFee:         amounts.PlatformFee,
			CommunityRewardPool: amounts.CommunityRewardPool,
			Currency:            slice.Currency,
			PaymentMethod:       p.PaymentMethod,
			Backend:             gw.Name(),
			CreatedAt:           now,
		}
		if err := s.repo.InsertEscrow(ctx, tx, esc); err != nil {
			return err
		}
		next.EscrowID = &esc.ID
		if err := s.repo.UpdateSlice(ctx, tx, next, slice.Status); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, slice.ID, EventQuoteAccepted, p.ActorID, map[string]any{
			"escrow_id":    esc.ID,
			"backend":      esc.Backend,
			"total_amount": esc.TotalAmount,
			"platform_fee": esc.PlatformFee,
		})
	})
	if err != nil {
		return FundResult{}, err
	}

	return s.FundEscrow(ctx, p.SliceID)
}

// FundEscrow creates the gateway escrow for an accepted slice whose escrow
// is still pending.
func (s *Service) FundEscrow(ctx context.Context, sliceID string) (FundResult, error) {
	claimedAt := s.now().UTC()
	var (
		slice   ledger.Slice
		claimed ledger.EscrowPayment
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sl, err := s.repo.LockSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if sl.Status != ledger.SliceAccepted {
			return fmt.Errorf("%w: slice %s is %s, expected %s", ErrStaleState, sl.ID, sl.Status, ledger.SliceAccepted)
		}
		e, err := s.lockEscrowOf(ctx, tx, sl)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowPending {
			return fmt.Errorf("%w: escrow %s is %s, expected %s", ErrStaleState, e.ID, e.Status, ledger.EscrowPending)
		}
		if e.Settling(claimedAt) {
			return fmt.Errorf("%w: escrow %s funding in progress", ErrStaleState, e.ID)
		}
		e.SettlingUntil = s.lease(claimedAt)
		if err := s.repo.UpdateEscrow(ctx, tx, e, ledger.EscrowPending); err != nil {
			return err
		}
		slice, claimed = sl, e
		return nil
	})
	if err != nil {
		return FundResult{}, err
	}

	gw, err := s.gateways.Get(claimed.Backend)
	if err != nil {
		s.abandonClaim(ctx, slice.ID, claimed, EventFundingFailed, err)
		return FundResult{}, fmt.Errorf("escrow: resolve gateway: %w", err)
	}
	created, err := gw.CreateEscrow(ctx, gateway.CreateRequest{
		SliceID:     slice.ID,
		Amount:      claimed.TotalAmount,
		PlatformFee: claimed.PlatformFee,
		Currency:    claimed.Currency,
		PayerID:     slice.ClientID,
		PayeeID:     slice.ProviderID,
	})
	metrics.RecordGateway(claimed.Backend, string(gateway.OpCreate), gatewayResult(err))
	if err == nil && strings.TrimSpace(created.TransactionID) == "" {
		err = errors.New("empty transaction id")
	}
	if err != nil {
		gwErr := asGatewayError(claimed.Backend, gateway.OpCreate, err)
		s.abandonClaim(ctx, slice.ID, claimed, EventFundingFailed, gwErr)
		return FundResult{}, gwErr
	}

	now := s.now().UTC()
	var out FundResult
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		sl, err := s.repo.LockSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		e, err := s.repo.LockEscrow(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowPending || !sameLease(e, claimed) {
			return fmt.Errorf("%w: escrow %s funding lease lost", ErrStaleState, e.ID)
		}
		next, err := TransitionEscrow(e, ledger.EscrowHeld, now)
		if err != nil {
			return err
		}
		txID := created.TransactionID
		next.TransactionID = &txID
		next.SettlingUntil = nil
		if err := s.repo.UpdateEscrow(ctx, tx, next, ledger.EscrowPending); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, sl.ID, EventEscrowFunded, "", map[string]any{
			"escrow_id":      next.ID,
			"backend":        next.Backend,
			"transaction_id": txID,
			"gateway_status": created.Status,
		}); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, notify.TopicProposalAccepted, notify.Event{
			SliceID:     sl.ID,
			RecipientID: sl.ProviderID,
			SliceTitle:  sl.Title,
			Amount:      sl.Price,
			Currency:    sl.Currency,
		}); err != nil {
			return err
		}
		out = FundResult{Slice: sl, Escrow: next, RedirectURL: created.RedirectURL}
		return nil
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"slice_id":       sliceID,
			"escrow_id":      claimed.ID,
			"transaction_id": created.TransactionID,
		}).WithError(err).Error("gateway escrow created but funding commit failed")
		return FundResult{}, err
	}
	return out, nil
}

// StartWork moves an accepted slice with a funded escrow to in_progress.
func (s *Service) StartWork(ctx context.Context, sliceID, actorID string) (ledger.Slice, error) {
	now := s.now().UTC()
	var out ledger.Slice
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		slice, err := s.repo.LockSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if actorID != slice.ProviderID {
			return invalid("only the provider can start work")
		}
		if slice.EscrowID == nil {
			return invalid("escrow is not funded")
		}
		e, err := s.repo.LockEscrow(ctx, tx, *slice.EscrowID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowHeld {
			return invalid("escrow is not funded")
		}
		next, err := TransitionSlice(slice, ledger.SliceInProgress, now, s.cfg.AutoReleaseWindow)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateSlice(ctx, tx, next, slice.Status); err != nil {
			return err
		}
		out = next
		return s.appendEvent(ctx, tx, slice.ID, EventWorkStarted, actorID, nil)
	})
	return out, err
}

// CompleteWork marks the work delivered and starts the auto-release window.
func (s *Service) CompleteWork(ctx context.Context, sliceID, actorID string) (ledger.Slice, error) {
	now := s.now().UTC()
	var out ledger.Slice
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		slice, err := s.repo.LockSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if actorID != slice.ProviderID {
			return invalid("only the provider can complete work")
		}
		next, err := TransitionSlice(slice, ledger.SliceCompleted, now, s.cfg.AutoReleaseWindow)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateSlice(ctx, tx, next, slice.Status); err != nil {
			return err
		}
		out = next
		return s.appendEvent(ctx, tx, slice.ID, EventWorkCompleted, actorID, map[string]any{
			"auto_release_at": next.AutoReleaseAt.UTC(),
		})
	})
	return out, err
}

// Approve records the client's approval and releases the escrow to the
// provider. Calling it again on an approved slice retries the release.
func (s *Service) Approve(ctx context.Context, sliceID, actorID string) (ledger.EscrowPayment, error) {
	now := s.now().UTC()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		slice, err := s.repo.LockSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if actorID != slice.ClientID {
			return invalid("only the client can approve work")
		}
		if slice.Status == ledger.SliceApprovedByClient {
			return nil
		}
		// The auto-release sweep may already hold the lease for this escrow;
		// approving now would strand its commit.
		e, err := s.lockEscrowOf(ctx, tx, slice)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowHeld {
			return fmt.Errorf("%w: escrow %s is %s, expected %s", ErrStaleState, e.ID, e.Status, ledger.EscrowHeld)
		}
		if e.Settling(now) {
			return fmt.Errorf("%w: escrow %s settlement in progress", ErrStaleState, e.ID)
		}
		next, err := TransitionSlice(slice, ledger.SliceApprovedByClient, now, s.cfg.AutoReleaseWindow)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateSlice(ctx, tx, next, slice.Status); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, slice.ID, EventClientApproved, actorID, nil)
	})
	if err != nil {
		return ledger.EscrowPayment{}, err
	}

	return s.settle(ctx, settlement{
		sliceID:    sliceID,
		decision:   ledger.DecisionRelease,
		sliceFrom:  ledger.SliceApprovedByClient,
		escrowFrom: ledger.EscrowHeld,
		actorID:    actorID,
		source:     "client_approval",
	})
}

// RaiseDispute moves both the slice and its escrow to disputed in one
// transaction. It is rejected without writes when the reason is too short,
// the actor is not a party, the slice is not disputable or the escrow is not
// held.
func (s *Service) RaiseDispute(ctx context.Context, p DisputeParams) (View, error) {
	reason := strings.TrimSpace(p.Reason)
	if utf8.RuneCountInString(reason) < s.cfg.MinDisputeReason {
		return View{}, invalid("dispute reason too short")
	}
	evidence := make([]ledger.Evidence, 0, len(p.Evidence))
	for _, item := range p.Evidence {
		item.URL = strings.TrimSpace(item.URL)
		if item.URL == "" {
			continue
		}
		switch item.MediaKind {
		case ledger.MediaImage, ledger.MediaVideo, ledger.MediaDocument:
		default:
			return View{}, invalid("unsupported evidence media kind " + string(item.MediaKind))
		}
		evidence = append(evidence, item)
	}

	now := s.now().UTC()
	var out View
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		slice, err := s.repo.LockSlice(ctx, tx, p.SliceID)
		if err != nil {
			return err
		}
		if !slice.IsParty(p.ActorID) {
			return invalid("actor is not a party to this slice")
		}
		if !disputable(slice.Status) {
			return invalid("slice status does not allow disputes")
		}
		if slice.EscrowID == nil {
			return invalid("escrow is not held")
		}
		e, err := s.repo.LockEscrow(ctx, tx, *slice.EscrowID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowHeld {
			return invalid("escrow is not held")
		}
		if e.Settling(now) {
			return fmt.Errorf("%w: escrow %s settlement in progress", ErrStaleState, e.ID)
		}

		nextSlice, err := TransitionSlice(slice, ledger.SliceDisputed, now, s.cfg.AutoReleaseWindow)
		if err != nil {
			return err
		}
		nextSlice.DisputeReason = &reason
		nextSlice.DisputeEvidence = evidence
		nextEscrow, err := TransitionEscrow(e, ledger.EscrowDisputed, now)
		if err != nil {
			return err
		}
		nextEscrow.DisputeReason = &reason

		if err := s.repo.UpdateEscrow(ctx, tx, nextEscrow, e.Status); err != nil {
			return err
		}
		if err := s.repo.UpdateSlice(ctx, tx, nextSlice, slice.Status); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, slice.ID, EventDisputeRaised, p.ActorID, map[string]any{
			"previous_status": slice.Status,
			"reason":          reason,
			"evidence_count":  len(evidence),
		}); err != nil {
			return err
		}
		recipient := slice.ClientID
		if p.ActorID == slice.ClientID {
			recipient = slice.ProviderID
		}
		if err := s.enqueue(ctx, tx, notify.TopicDisputeOpened, notify.Event{
			SliceID:     slice.ID,
			RecipientID: recipient,
			SliceTitle:  slice.Title,
			Amount:      e.SliceAmount,
			Currency:    e.Currency,
			Reason:      reason,
		}); err != nil {
			return err
		}
		out = View{Slice: nextSlice, Escrow: &nextEscrow}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return out, nil
}

// ApplyResolution settles a disputed escrow according to res. Decisions that
// do not move funds are rejected with ErrNoFundsMovement. A second
// application fails the status guard and never pays twice.
func (s *Service) ApplyResolution(ctx context.Context, sliceID string, res ledger.Resolution) (ledger.EscrowPayment, error) {
	if !res.Decision.MovesFunds() {
		return ledger.EscrowPayment{}, fmt.Errorf("%w: %s", ErrNoFundsMovement, res.Decision)
	}
	if res.Decision == ledger.DecisionPartial {
		if res.Split == nil {
			return ledger.EscrowPayment{}, invalid("partial resolution requires a split")
		}
		if err := res.Split.Validate(); err != nil {
			return ledger.EscrowPayment{}, invalid(err.Error())
		}
	}
	return s.settle(ctx, settlement{
		sliceID:    sliceID,
		decision:   res.Decision,
		split:      res.Split,
		sliceFrom:  ledger.SliceDisputed,
		escrowFrom: ledger.EscrowDisputed,
		actorID:    res.Source,
		source:     res.Source,
	})
}

// ReleaseDue releases a completed slice whose auto-release deadline has
// passed. Any concurrent change surfaces as ErrStaleState.
func (s *Service) ReleaseDue(ctx context.Context, sliceID string) (ledger.EscrowPayment, error) {
	return s.settle(ctx, settlement{
		sliceID:    sliceID,
		decision:   ledger.DecisionRelease,
		sliceFrom:  ledger.SliceCompleted,
		escrowFrom: ledger.EscrowHeld,
		source:     "auto_release",
		precheck: func(slice ledger.Slice, now time.Time) error {
			if slice.AutoReleaseAt == nil || !slice.AutoReleaseAt.Before(now) {
				return fmt.Errorf("%w: slice %s is not due for release", ErrStaleState, slice.ID)
			}
			return nil
		},
	})
}

// ListDue returns completed slices whose auto-release deadline has passed.
func (s *Service) ListDue(ctx context.Context, limit int) ([]ledger.Slice, error) {
	return s.repo.ListDue(ctx, s.now().UTC(), limit)
}

// Get returns the slice and its escrow.
func (s *Service) Get(ctx context.Context, sliceID string) (View, error) {
	slice, err := s.repo.GetSlice(ctx, sliceID)
	if err != nil {
		return View{}, err
	}
	view := View{Slice: slice}
	if slice.EscrowID != nil {
		e, err := s.repo.GetEscrow(ctx, *slice.EscrowID)
		if err != nil {
			return View{}, err
		}
		view.Escrow = &e
	}
	return view, nil
}

// Events returns the slice timeline in order.
func (s *Service) Events(ctx context.Context, sliceID string) ([]Event, error) {
	return s.repo.Events(ctx, sliceID)
}

func disputable(status ledger.SliceStatus) bool {
	for _, st := range DisputableSliceStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

func (s *Service) lockEscrowOf(ctx context.Context, tx pgx.Tx, slice ledger.Slice) (ledger.EscrowPayment, error) {
	if slice.EscrowID == nil {
		return ledger.EscrowPayment{}, fmt.Errorf("%w: slice %s has no escrow", ErrNotFound, slice.ID)
	}
	return s.repo.LockEscrow(ctx, tx, *slice.EscrowID)
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, sliceID, eventType, actorID string, payload map[string]any) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	return s.repo.AppendEvent(ctx, tx, Event{
		SliceID:   sliceID,
		Type:      eventType,
		ActorID:   actor,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// lease returns the settlement deadline, truncated to the storage precision
// so it compares equal after a round trip.
func (s *Service) lease(now time.Time) *time.Time {
	until := now.Add(s.cfg.SettlementLease).Truncate(time.Microsecond)
	return &until
}

func sameLease(current, claimed ledger.EscrowPayment) bool {
	if current.SettlingUntil == nil || claimed.SettlingUntil == nil {
		return false
	}
	return current.SettlingUntil.Equal(*claimed.SettlingUntil)
}

// abandonClaim drops a lease after a failed gateway call. Statuses are left
// as they were.
func (s *Service) abandonClaim(ctx context.Context, sliceID string, claimed ledger.EscrowPayment, eventType string, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		e, err := s.repo.LockEscrow(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		if !sameLease(e, claimed) {
			return nil
		}
		e.SettlingUntil = nil
		if err := s.repo.UpdateEscrow(ctx, tx, e, e.Status); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, sliceID, eventType, "", map[string]any{
			"escrow_id": e.ID,
			"error":     cause.Error(),
			"retryable": gateway.IsRetryable(cause),
		})
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"slice_id":  sliceID,
			"escrow_id": claimed.ID,
		}).WithError(err).Warn("could not release settlement lease; it will expire")
	}
}

func asGatewayError(backend string, op gateway.Op, err error) error {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return err
	}
	return &gateway.Error{Backend: backend, Op: op, Retryable: true, Err: err}
}

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case gateway.IsRetryable(err):
		return "retryable"
	default:
		return "error"
	}
}
