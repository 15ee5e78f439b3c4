// Package dividend distributes the community share of platform fees to
// contributors once per period, weighted by their contribution score.
package dividend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/wallet"
)

var (
	ErrAlreadyProcessed = errors.New("dividend: period already processed")
	ErrInvalidSignal    = errors.New("dividend: invalid signal")
)

// DefaultSpec runs shortly after local midnight.
const DefaultSpec = "15 0 * * *"

type Outcome string

const (
	OutcomeDistributed         Outcome = "distributed"
	OutcomeAlreadyProcessed    Outcome = "already_processed"
	OutcomeNothingToDistribute Outcome = "nothing_to_distribute"
)

// Run mirrors the dividend_runs table.
type Run struct {
	ID          string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Pool        int64
	Paid        int64
	// Undistributed is the floor remainder; it stays in the pool.
	Undistributed int64
	Recipients    int
	Forced        bool
	CreatedAt     time.Time
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store interface {
	HasRun(ctx context.Context, p Period) (bool, error)
	Pool(ctx context.Context, p Period) (int64, error)
	Totals(ctx context.Context, p Period) (Totals, error)
	InsertRun(ctx context.Context, tx pgx.Tx, run Run) error
	InsertReward(ctx context.Context, tx pgx.Tx, r ledger.CommunityReward) error
	InsertSignal(ctx context.Context, s Signal) (bool, error)
}

// WalletCrediter is satisfied by *wallet.Repository.
type WalletCrediter interface {
	Credit(ctx context.Context, tx wallet.Execer, e wallet.Entry) (bool, error)
}

type Config struct {
	Location *time.Location
	Weights  Weights
}

type RunParams struct {
	// Period defaults to yesterday in the configured zone.
	Period *Period
	// Force pays the period again even if it already ran.
	Force bool
}

type Result struct {
	Outcome     Outcome
	Period      Period
	Run         *Run
	Allocations []Allocation
}

type Engine struct {
	pool        TxBeginner
	store       Store
	wallets     WalletCrediter
	loc         *time.Location
	weights     Weights
	idGenerator func() string
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewEngine(pool TxBeginner, store Store, wallets WalletCrediter, cfg Config) *Engine {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	weights := cfg.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Engine{
		pool:        pool,
		store:       store,
		wallets:     wallets,
		loc:         loc,
		weights:     weights,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		log:         logging.OrDefault(nil),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithLogger(log logrus.FieldLogger) *Engine {
	e.log = logging.OrDefault(log)
	return e
}

// Run distributes one period. The run row, every reward row and every
// wallet credit commit together or not at all.
func (e *Engine) Run(ctx context.Context, p RunParams) (Result, error) {
	period := Yesterday(e.now(), e.loc)
	if p.Period != nil {
		period = *p.Period
	}
	res := Result{Period: period}

	if !p.Force {
		done, err := e.store.HasRun(ctx, period)
		if err != nil {
			return Result{}, err
		}
		if done {
			res.Outcome = OutcomeAlreadyProcessed
			metrics.RecordDividend(string(res.Outcome), 0)
			return res, nil
		}
	}

	pool, err := e.store.Pool(ctx, period)
	if err != nil {
		return Result{}, err
	}
	totals, err := e.store.Totals(ctx, period)
	if err != nil {
		return Result{}, err
	}
	scores, err := Scores(totals, e.weights)
	if err != nil {
		return Result{}, err
	}
	allocations, undistributed, err := Allocate(pool, scores)
	if err != nil {
		return Result{}, fmt.Errorf("dividend: allocate: %w", err)
	}
	payable := 0
	for _, a := range allocations {
		if a.Amount > 0 {
			payable++
		}
	}
	// A pool smaller than the number of scorers can floor every share to
	// zero; recording a run then would close the period with nobody paid.
	if payable == 0 {
		res.Outcome = OutcomeNothingToDistribute
		metrics.RecordDividend(string(res.Outcome), 0)
		e.log.WithFields(logrus.Fields{
			"period": period.Label(),
			"pool":   pool,
			"users":  len(scores),
		}).Info("dividend: nothing to distribute")
		return res, nil
	}

	now := e.now().UTC()
	run := Run{
		ID:            e.idGenerator(),
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		Pool:          pool,
		Undistributed: undistributed,
		Forced:        p.Force,
		CreatedAt:     now,
	}
	for _, a := range allocations {
		if a.Amount > 0 {
			run.Paid += a.Amount
			run.Recipients++
		}
	}

	err = e.inTx(ctx, func(tx pgx.Tx) error {
		if err := e.store.InsertRun(ctx, tx, run); err != nil {
			return err
		}
		reason := "community dividend " + period.Label()
		for _, a := range allocations {
			if a.Amount <= 0 {
				continue
			}
			if err := e.store.InsertReward(ctx, tx, ledger.CommunityReward{
				ID:     e.idGenerator(),
				RunID:  run.ID,
				UserID: a.UserID,
				Amount: a.Amount,
				Reason: reason,
				PaidAt: now,
			}); err != nil {
				return err
			}
			if _, err := e.wallets.Credit(ctx, tx, wallet.Entry{
				UserID:    a.UserID,
				Amount:    a.Amount,
				Source:    wallet.SourceDividend,
				Reference: run.ID,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("dividend: credit %s: %w", a.UserID, err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		res.Outcome = OutcomeAlreadyProcessed
		metrics.RecordDividend(string(res.Outcome), 0)
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	res.Outcome = OutcomeDistributed
	res.Run = &run
	res.Allocations = allocations
	metrics.RecordDividend(string(res.Outcome), run.Paid)
	e.log.WithFields(logrus.Fields{
		"period":        period.Label(),
		"run_id":        run.ID,
		"pool":          run.Pool,
		"paid":          run.Paid,
		"undistributed": run.Undistributed,
		"recipients":    run.Recipients,
		"forced":        run.Forced,
	}).Info("dividend distributed")
	return res, nil
}

// RecordSignal stores a contribution. Recording the same (kind, reference,
// user) twice is a no-op.
func (e *Engine) RecordSignal(ctx context.Context, s Signal) error {
	if s.Quantity == 0 {
		s.Quantity = 1
	}
	s.UserID = strings.TrimSpace(s.UserID)
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := e.weights[s.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
	if s.ID == "" {
		s.ID = e.idGenerator()
	}
	if s.OccurredAt.IsZero() {
		s.OccurredAt = e.now().UTC()
	}
	_, err := e.store.InsertSignal(ctx, s)
	return err
}

// Register schedules Run for yesterday's period on c.
func (e *Engine) Register(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if _, err := e.Run(ctx, RunParams{}); err != nil {
			e.log.WithError(err).Error("dividend run failed")
		}
	}))
	id, err := c.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("dividend: schedule %q: %w", spec, err)
	}
	return id, nil
}

func (e *Engine) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dividend: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dividend: commit tx: %w", err)
	}
	return nil
}
