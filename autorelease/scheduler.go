// Package autorelease pays out completed slices whose review window lapsed
// without client action.
package autorelease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/metrics"
)

const (
	DefaultBatchSize = 100
	DefaultWorkers   = 4
	DefaultSpec      = "@every 5m"
)

// Releaser is satisfied by *escrow.Service.
type Releaser interface {
	ListDue(ctx context.Context, limit int) ([]ledger.Slice, error)
	ReleaseDue(ctx context.Context, sliceID string) (ledger.EscrowPayment, error)
}

type Config struct {
	BatchSize int
	Workers   int
}

// Report totals one sweep.
type Report struct {
	Candidates int
	Released   int
	Skipped    int
	Failed     int
}

type Scheduler struct {
	releaser Releaser
	cfg      Config
	log      logrus.FieldLogger
}

func New(r Releaser, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Scheduler{releaser: r, cfg: cfg, log: logging.OrDefault(nil)}
}

func (s *Scheduler) WithLogger(log logrus.FieldLogger) *Scheduler {
	s.log = logging.OrDefault(log)
	return s
}

// Sweep releases every due slice in one batch. A slice another actor moved
// first is skipped; a gateway failure is counted and the sweep continues.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	started := time.Now()
	due, err := s.releaser.ListDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("autorelease: list due: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Candidates: len(due)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, slice := range due {
		g.Go(func() error {
			_, err := s.releaser.ReleaseDue(gctx, slice.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Released++
			case errors.Is(err, escrow.ErrStaleState):
				report.Skipped++
			default:
				report.Failed++
				s.log.WithFields(logrus.Fields{
					"slice_id": slice.ID,
				}).WithError(err).Warn("auto-release failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.RecordSweep(report.Released, report.Skipped, report.Failed, time.Since(started))
	if report.Candidates > 0 {
		s.log.WithFields(logrus.Fields{
			"candidates": report.Candidates,
			"released":   report.Released,
			"skipped":    report.Skipped,
			"failed":     report.Failed,
		}).Info("auto-release sweep complete")
	}
	return report, nil
}

// Register schedules Sweep on c. Overlapping runs are skipped.
func (s *Scheduler) Register(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("auto-release sweep failed")
		}
	}))
	id, err := c.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("autorelease: schedule %q: %w", spec, err)
	}
	return id, nil
}
