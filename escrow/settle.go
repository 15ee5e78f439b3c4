package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/notify"
	"escrowflow/wallet"
)

// settlement describes one money-moving transition.
type settlement struct {
	sliceID    string
	decision   ledger.Decision
	split      *ledger.Split
	sliceFrom  ledger.SliceStatus
	escrowFrom ledger.EscrowStatus
	actorID    string
	source     string
	precheck   func(slice ledger.Slice, now time.Time) error
}

// amounts splits the escrow for the decision. A full refund returns the
// whole charge, fee included; a partial split only divides the slice amount.
func (p settlement) amounts(e ledger.EscrowPayment) (ledger.Settlement, error) {
	switch p.decision {
	case ledger.DecisionRelease:
		return ledger.Settlement{ProviderAmount: e.SliceAmount}, nil
	case ledger.DecisionRefund:
		return ledger.Settlement{ClientRefundAmount: e.TotalAmount}, nil
	case ledger.DecisionPartial:
		if p.split == nil {
			return ledger.Settlement{}, invalid("partial resolution requires a split")
		}
		return p.split.Apply(e.SliceAmount)
	default:
		return ledger.Settlement{}, fmt.Errorf("%w: %s", ErrNoFundsMovement, p.decision)
	}
}

// targets picks the terminal statuses: any provider payout means paid and
// released, otherwise refunded.
func targets(st ledger.Settlement) (ledger.SliceStatus, ledger.EscrowStatus) {
	if st.ProviderAmount > 0 {
		return ledger.SlicePaid, ledger.EscrowReleased
	}
	return ledger.SliceRefunded, ledger.EscrowRefunded
}

func eventFor(decision ledger.Decision) string {
	switch decision {
	case ledger.DecisionRefund:
		return EventFundsRefunded
	case ledger.DecisionPartial:
		return EventFundsSplit
	default:
		return EventFundsReleased
	}
}

// settle runs claim, gateway, commit. The claim transaction verifies both
// statuses and takes the settlement lease; the gateway is called with no
// transaction open; the commit transaction re-checks the lease, applies both
// transitions, credits the provider and enqueues notifications. A gateway
// failure drops the lease and leaves both statuses unchanged.
func (s *Service) settle(ctx context.Context, p settlement) (ledger.EscrowPayment, error) {
	claimedAt := s.now().UTC()
	var (
		slice   ledger.Slice
		claimed ledger.EscrowPayment
		plan    ledger.Settlement
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sl, err := s.repo.LockSlice(ctx, tx, p.sliceID)
		if err != nil {
			return err
		}
		if sl.Status != p.sliceFrom {
			return fmt.Errorf("%w: slice %s is %s, expected %s", ErrStaleState, sl.ID, sl.Status, p.sliceFrom)
		}
		if p.precheck != nil {
			if err := p.precheck(sl, claimedAt); err != nil {
				return err
			}
		}
		e, err := s.lockEscrowOf(ctx, tx, sl)
		if err != nil {
			return err
		}
		if e.Status != p.escrowFrom {
			return fmt.Errorf("%w: escrow %s is %s, expected %s", ErrStaleState, e.ID, e.Status, p.escrowFrom)
		}
		if e.Settling(claimedAt) {
			return fmt.Errorf("%w: escrow %s settlement in progress", ErrStaleState, e.ID)
		}
		if e.TransactionID == nil {
			return fmt.Errorf("escrow: escrow %s has no gateway transaction", e.ID)
		}
		st, err := p.amounts(e)
		if err != nil {
			return err
		}
		sliceTo, escrowTo := targets(st)
		if !CanTransitionSlice(sl.Status, sliceTo) {
			return &TransitionError{Entity: "slice", From: string(sl.Status), To: string(sliceTo)}
		}
		if !CanTransitionEscrow(e.Status, escrowTo) {
			return &TransitionError{Entity: "escrow", From: string(e.Status), To: string(escrowTo)}
		}
		e.SettlingUntil = s.lease(claimedAt)
		if err := s.repo.UpdateEscrow(ctx, tx, e, p.escrowFrom); err != nil {
			return err
		}
		slice, claimed, plan = sl, e, st
		return nil
	})
	if err != nil {
		return ledger.EscrowPayment{}, err
	}

	if err := s.moveFunds(ctx, claimed, p.decision, plan); err != nil {
		s.abandonClaim(ctx, slice.ID, claimed, EventSettlementFailed, err)
		return ledger.EscrowPayment{}, err
	}

	now := s.now().UTC()
	var out ledger.EscrowPayment
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		sl, err := s.repo.LockSlice(ctx, tx, p.sliceID)
		if err != nil {
			return err
		}
		e, err := s.repo.LockEscrow(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		if sl.Status != p.sliceFrom || e.Status != p.escrowFrom || !sameLease(e, claimed) {
			return fmt.Errorf("%w: escrow %s settlement lease lost", ErrStaleState, e.ID)
		}

		sliceTo, escrowTo := targets(plan)
		nextSlice, err := TransitionSlice(sl, sliceTo, now, s.cfg.AutoReleaseWindow)
		if err != nil {
			return err
		}
		nextEscrow, err := TransitionEscrow(e, escrowTo, now)
		if err != nil {
			return err
		}
		nextEscrow.ProviderAmount = plan.ProviderAmount
		nextEscrow.ClientRefundAmount = plan.ClientRefundAmount
		nextEscrow.SettlingUntil = nil

		if err := s.repo.UpdateEscrow(ctx, tx, nextEscrow, p.escrowFrom); err != nil {
			return err
		}
		if err := s.repo.UpdateSlice(ctx, tx, nextSlice, p.sliceFrom); err != nil {
			return err
		}

		if plan.ProviderAmount > 0 && s.wallets != nil {
			if _, err := s.wallets.Credit(ctx, tx, wallet.Entry{
				UserID:    sl.ProviderID,
				Amount:    plan.ProviderAmount,
				Source:    wallet.SourceEscrowRelease,
				Reference: nextEscrow.ID,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("escrow: credit provider: %w", err)
			}
		}

		payload := map[string]any{
			"escrow_id":            nextEscrow.ID,
			"decision":             p.decision,
			"source":               p.source,
			"provider_amount":      plan.ProviderAmount,
			"client_refund_amount": plan.ClientRefundAmount,
		}
		if p.split != nil {
			payload["split"] = *p.split
		}
		if err := s.appendEvent(ctx, tx, sl.ID, eventFor(p.decision), p.actorID, payload); err != nil {
			return err
		}

		if plan.ProviderAmount > 0 {
			if err := s.enqueue(ctx, tx, notify.TopicFundsReleased, notify.Event{
				SliceID:     sl.ID,
				RecipientID: sl.ProviderID,
				SliceTitle:  sl.Title,
				Amount:      plan.ProviderAmount,
				Currency:    nextEscrow.Currency,
			}); err != nil {
				return err
			}
		}
		if plan.ClientRefundAmount > 0 {
			if err := s.enqueue(ctx, tx, notify.TopicFundsRefunded, notify.Event{
				SliceID:     sl.ID,
				RecipientID: sl.ClientID,
				SliceTitle:  sl.Title,
				Amount:      plan.ClientRefundAmount,
				Currency:    nextEscrow.Currency,
			}); err != nil {
				return err
			}
		}
		out = nextEscrow
		return nil
	})
	if err != nil {
		// Funds already moved; the lease stays until it expires and a retry
		// replays the idempotent gateway calls.
		s.log.WithFields(logrus.Fields{
			"slice_id":  p.sliceID,
			"escrow_id": claimed.ID,
			"decision":  p.decision,
		}).WithError(err).Error("gateway settled but ledger commit failed")
		return ledger.EscrowPayment{}, err
	}

	s.log.WithFields(logrus.Fields{
		"slice_id":        p.sliceID,
		"escrow_id":       out.ID,
		"status":          out.Status,
		"provider_amount": out.ProviderAmount,
		"refund_amount":   out.ClientRefundAmount,
		"source":          p.source,
	}).Info("escrow settled")
	return out, nil
}

// moveFunds performs the gateway side of a settlement: the client refund
// first, then the provider release.
func (s *Service) moveFunds(ctx context.Context, e ledger.EscrowPayment, decision ledger.Decision, st ledger.Settlement) error {
	gw, err := s.gateways.Get(e.Backend)
	if err != nil {
		return fmt.Errorf("escrow: resolve gateway: %w", err)
	}
	txID := *e.TransactionID

	if st.ClientRefundAmount > 0 {
		var amount *int64
		if decision != ledger.DecisionRefund {
			a := st.ClientRefundAmount
			amount = &a
		}
		res, err := gw.Refund(ctx, txID, amount)
		if err == nil && !res.Success {
			err = errors.New("refund not confirmed")
		}
		metrics.RecordGateway(e.Backend, string(gateway.OpRefund), gatewayResult(err))
		if err != nil {
			return asGatewayError(e.Backend, gateway.OpRefund, err)
		}
	}

	if st.ProviderAmount > 0 {
		res, err := gw.ReleaseFunds(ctx, txID)
		if err == nil && !res.Success {
			err = errors.New("release not confirmed")
		}
		metrics.RecordGateway(e.Backend, string(gateway.OpRelease), gatewayResult(err))
		if err != nil {
			return asGatewayError(e.Backend, gateway.OpRelease, err)
		}
	}
	return nil
}
