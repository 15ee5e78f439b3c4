// Package review hands contested arbitration outcomes to human reviewers.
package review

import (
	"context"
	"errors"
	"strings"
	"time"

	"escrowflow/council"
	"escrowflow/ledger"
)

var ErrInvalidEscalation = errors.New("review: invalid escalation")

// Escalation is one case waiting for a human decision.
type Escalation struct {
	SliceID     string            `json:"slice_id"`
	Decision    ledger.Decision   `json:"decision"`
	Summary     string            `json:"summary"`
	Verdicts    []council.Verdict `json:"verdicts"`
	EscalatedAt time.Time         `json:"escalated_at"`
}

func (e Escalation) Validate() error {
	if strings.TrimSpace(e.SliceID) == "" {
		return ErrInvalidEscalation
	}
	if e.EscalatedAt.IsZero() {
		return ErrInvalidEscalation
	}
	return nil
}

// Queue accepts escalations. Consumers must tolerate the same slice being
// escalated more than once. Close retires every open escalation of a slice
// once a reviewer's decision has been applied and reports how many it
// retired.
type Queue interface {
	Escalate(ctx context.Context, e Escalation) error
	Close(ctx context.Context, sliceID string, at time.Time) (int64, error)
}
