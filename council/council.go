package council

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/metrics"
)

// DefaultTimeout bounds a single judge call.
const DefaultTimeout = 90 * time.Second

// Options configures a Council.
type Options struct {
	Timeout       time.Duration
	MaxPrecedents int
	Logger        logrus.FieldLogger
}

// Council fans a case out to every judge and reduces the answers.
type Council struct {
	judges        []Judge
	timeout       time.Duration
	maxPrecedents int
	log           logrus.FieldLogger
	tracer        trace.Tracer
}

// New constructs a council over the given judges.
func New(judges []Judge, opts Options) *Council {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxPrecedents := opts.MaxPrecedents
	if maxPrecedents <= 0 {
		maxPrecedents = DefaultMaxPrecedents
	}
	return &Council{
		judges:        append([]Judge(nil), judges...),
		timeout:       timeout,
		maxPrecedents: maxPrecedents,
		log:           logging.OrDefault(opts.Logger),
		tracer:        otel.Tracer("escrowflow/council"),
	}
}

// Judges returns the names of the configured judges.
func (c *Council) Judges() []string {
	names := make([]string, len(c.judges))
	for i, j := range c.judges {
		names[i] = j.Name()
	}
	return names
}

// Deliberate asks every judge about the case and returns the consensus. It
// never fails because of a judge: degraded judges become placeholder
// verdicts. Cases without visual evidence are escalated without invoking
// any judge.
func (c *Council) Deliberate(ctx context.Context, cs Case) Consensus {
	ctx, span := c.tracer.Start(ctx, "council.deliberate",
		trace.WithAttributes(
			attribute.String("slice.id", cs.SliceID),
			attribute.Int("council.judges", len(c.judges)),
		))
	defer span.End()

	evidence := cs.VisualEvidenceURLs()
	if len(evidence) == 0 {
		span.SetAttributes(attribute.Bool("council.skipped", true))
		metrics.RecordConsensus(string(ledger.DecisionAppeal))
		return Consensus{
			Decision: ledger.DecisionAppeal,
			Verdicts: []Verdict{},
			Summary:  NoEvidenceSummary,
		}
	}

	precedents := TrimPrecedents(cs.Precedents, c.maxPrecedents)
	text := BuildContractText(cs.Contract, precedents)

	verdicts := make([]Verdict, len(c.judges))
	var g errgroup.Group
	for i, judge := range c.judges {
		g.Go(func() error {
			verdicts[i] = c.invoke(ctx, judge, text, evidence, precedents)
			return nil
		})
	}
	_ = g.Wait()

	out := Reduce(verdicts)
	span.SetAttributes(
		attribute.String("council.decision", string(out.Decision)),
		attribute.Int("council.active_votes", out.ActiveVotes),
	)
	metrics.RecordConsensus(string(out.Decision))
	c.log.WithFields(logrus.Fields{
		"slice_id":     cs.SliceID,
		"decision":     out.Decision,
		"active_votes": out.ActiveVotes,
		"judges":       len(c.judges),
	}).Info("council deliberation complete")
	return out
}

// invoke runs one judge under the per-judge timeout. The call runs in its
// own goroutine so a judge that ignores its context still cannot stall the
// council past the deadline.
func (c *Council) invoke(ctx context.Context, judge Judge, text string, evidence, precedents []string) Verdict {
	name := judge.Name()
	ctx, span := c.tracer.Start(ctx, "council.judge", trace.WithAttributes(attribute.String("judge", name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		verdict Verdict
		err     error
	}
	done := make(chan result, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("judge panicked: %v", r)}
			}
		}()
		v, err := judge.Judge(ctx, text, append([]string(nil), evidence...), append([]string(nil), precedents...))
		done <- result{verdict: v, err: err}
	}()

	var v Verdict
	select {
	case res := <-done:
		v = c.settle(name, res.verdict, res.err)
	case <-ctx.Done():
		v = sentinel(name, SentinelTimeout, ctx.Err())
	}

	elapsed := time.Since(started)
	outcome := string(v.Decision)
	if v.Sentinel {
		outcome = v.SentinelReason
		span.SetAttributes(attribute.String("judge.sentinel", v.SentinelReason))
		c.log.WithFields(logrus.Fields{
			"judge":  name,
			"reason": v.SentinelReason,
		}).Warn("judge degraded to placeholder verdict: " + v.Reasoning)
	}
	span.SetAttributes(attribute.String("judge.decision", string(v.Decision)), attribute.Int("judge.confidence", v.Confidence))
	metrics.ObserveJudge(name, outcome, elapsed)
	return v
}

func (c *Council) settle(name string, v Verdict, err error) Verdict {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return sentinel(name, SentinelMissingCredentials, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return sentinel(name, SentinelTimeout, err)
	case err != nil:
		return sentinel(name, SentinelError, err)
	}
	normalized, nerr := v.normalize(name)
	if nerr != nil {
		return sentinel(name, SentinelInvalid, nerr)
	}
	return normalized
}
