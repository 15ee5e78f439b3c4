// Package actors drives the escrow services concurrently against one
// database so the oracles can look for broken invariants.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/autorelease"
	"escrowflow/dividend"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/notify"
)

const (
	ClientID   = "stress-client"
	ProviderID = "stress-provider"
)

// Completed hands out slice ids whose work is done and awaiting approval.
type Completed chan string

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// benign reports errors that mean another actor got there first, or that
// chaos dropped the connection under us.
func benign(err error) bool {
	return errors.Is(err, escrow.ErrStaleState) ||
		errors.Is(err, escrow.ErrInvalidTransition) ||
		errors.Is(err, escrow.ErrValidation) ||
		gateway.IsRetryable(err) ||
		dropped(err)
}

func dropped(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// admin_shutdown, or the lost update a serialization retry would fix.
		return pgErr.Code == "57P01" || pgErr.Code == "40001"
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset")
}

// Producer walks fresh slices from proposal to completed work and publishes
// them on out.
func Producer(ctx context.Context, svc *escrow.Service, out Completed, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		slice, err := svc.Propose(ctx, escrow.ProposeParams{
			ClientID:           ClientID,
			ProviderID:         ProviderID,
			Title:              "Stress slice",
			AcceptanceCriteria: "Done is done",
			Price:              int64(1_000 + rand.Intn(50_000)),
			Currency:           "USD",
		})
		if err != nil {
			if dropped(err) {
				continue
			}
			return fmt.Errorf("producer propose: %w", err)
		}
		if _, err := svc.AcceptQuote(ctx, escrow.AcceptParams{SliceID: slice.ID, ActorID: ClientID}); err != nil {
			if benign(err) {
				continue
			}
			return fmt.Errorf("producer accept: %w", err)
		}
		if _, err := svc.StartWork(ctx, slice.ID, ProviderID); err != nil {
			if benign(err) {
				continue
			}
			return fmt.Errorf("producer start: %w", err)
		}
		if _, err := svc.CompleteWork(ctx, slice.ID, ProviderID); err != nil {
			if benign(err) {
				continue
			}
			return fmt.Errorf("producer complete: %w", err)
		}
		select {
		case out <- slice.ID:
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		pause(5, 20)
	}
	return nil
}

// Contender races an approval against a dispute on every slice it receives.
// Exactly one of them may win; the loser must fail cleanly.
func Contender(ctx context.Context, svc *escrow.Service, in Completed, stop <-chan struct{}) error {
	for {
		var id string
		select {
		case id = <-in:
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		errs := make(chan error, 2)
		go func() {
			_, err := svc.Approve(ctx, id, ClientID)
			errs <- err
		}()
		go func() {
			_, err := svc.RaiseDispute(ctx, escrow.DisputeParams{
				SliceID: id,
				ActorID: ClientID,
				Reason:  "The work does not match the acceptance criteria",
			})
			errs <- err
		}()
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil && !benign(err) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("contender %s: %w", id, err)
			}
		}
	}
}

// Resolver settles disputed slices with a random decision, racing other
// resolvers on the same slice.
func Resolver(ctx context.Context, svc *escrow.Service, disputed func(ctx context.Context) ([]string, error), stop <-chan struct{}) error {
	decisions := []ledger.Resolution{
		{Decision: ledger.DecisionRelease, Source: "stress"},
		{Decision: ledger.DecisionRefund, Source: "stress"},
		{Decision: ledger.DecisionPartial, Split: &ledger.Split{Provider: 70, Client: 30}, Source: "stress"},
	}
	for !stopped(ctx, stop) {
		ids, err := disputed(ctx)
		if err != nil {
			pause(50, 50)
			continue
		}
		for _, id := range ids {
			res := decisions[rand.Intn(len(decisions))]
			if _, err := svc.ApplyResolution(ctx, id, res); err != nil && !benign(err) {
				return fmt.Errorf("resolver %s: %w", id, err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Sweeper runs the auto-release sweep in a loop. Its service clock is far in
// the future so every completed slice is due.
func Sweeper(ctx context.Context, s *autorelease.Scheduler, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			pause(50, 50)
		}
		pause(30, 60)
	}
	return nil
}

// Relay drains the outbox the way the daemon does.
func Relay(ctx context.Context, r *notify.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = r.Drain(ctx, 25)
		pause(50, 100)
	}
	return nil
}

// Distributor records signals and runs the dividend for one fixed period
// repeatedly; only the first non-forced run may pay.
func Distributor(ctx context.Context, e *dividend.Engine, period dividend.Period, stop <-chan struct{}) error {
	users := []string{"reviewer-a", "reviewer-b", "reviewer-c"}
	kinds := []dividend.Kind{dividend.KindAcceptedAnswer, dividend.KindHelpfulComment, dividend.KindWizardContribution}
	for !stopped(ctx, stop) {
		err := e.RecordSignal(ctx, dividend.Signal{
			UserID:     users[rand.Intn(len(users))],
			Kind:       kinds[rand.Intn(len(kinds))],
			Reference:  fmt.Sprintf("ref-%d", rand.Intn(50)),
			OccurredAt: period.Start.Add(time.Duration(rand.Int63n(int64(period.End.Sub(period.Start))))),
		})
		if err != nil && !errors.Is(err, context.Canceled) && !dropped(err) {
			return fmt.Errorf("distributor signal: %w", err)
		}
		if _, err := e.Run(ctx, dividend.RunParams{Period: &period}); err != nil &&
			!errors.Is(err, dividend.ErrAlreadyProcessed) && !errors.Is(err, context.Canceled) && !dropped(err) {
			return fmt.Errorf("distributor run: %w", err)
		}
		pause(40, 80)
	}
	return nil
}
