package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"escrowflow/escrow"
)

// DefaultSpec polls the dispute backlog every minute.
const DefaultSpec = "@every 1m"

// Backlog lists disputed slices that still need the council.
type Backlog interface {
	AwaitingArbitration(ctx context.Context, limit int) ([]string, error)
}

// SweepReport totals one backlog pass.
type SweepReport struct {
	Candidates int
	Resolved   int
	Escalated  int
	Skipped    int
	Failed     int
}

// Sweep arbitrates up to limit slices from the backlog, one at a time.
func (s *Service) Sweep(ctx context.Context, backlog Backlog, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := backlog.AwaitingArbitration(ctx, limit)
	if err != nil {
		return SweepReport{}, fmt.Errorf("dispute: list backlog: %w", err)
	}

	report := SweepReport{Candidates: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		out, err := s.Arbitrate(ctx, id)
		switch {
		case err == nil && out.Escalated:
			report.Escalated++
		case err == nil:
			report.Resolved++
		case errors.Is(err, ErrUnderReview), errors.Is(err, ErrNotDisputed), errors.Is(err, escrow.ErrStaleState):
			report.Skipped++
		default:
			report.Failed++
			s.log.WithField("slice_id", id).WithError(err).Warn("arbitration failed")
		}
	}

	if report.Candidates > 0 {
		s.log.WithFields(logrus.Fields{
			"candidates": report.Candidates,
			"resolved":   report.Resolved,
			"escalated":  report.Escalated,
			"skipped":    report.Skipped,
			"failed":     report.Failed,
		}).Info("dispute backlog sweep complete")
	}
	return report, nil
}

// Register schedules Sweep on c. Overlapping runs are skipped.
func (s *Service) Register(ctx context.Context, c *cron.Cron, spec string, backlog Backlog, limit int) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if _, err := s.Sweep(ctx, backlog, limit); err != nil {
			s.log.WithError(err).Error("dispute backlog sweep failed")
		}
	}))
	id, err := c.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("dispute: schedule %q: %w", spec, err)
	}
	return id, nil
}
