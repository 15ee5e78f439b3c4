package dividend

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"escrowflow/ledger"
)

// Kind names a community contribution signal.
type Kind string

const (
	KindAcceptedAnswer     Kind = "accepted_answer"
	KindHelpfulComment     Kind = "helpful_comment"
	KindWizardContribution Kind = "wizard_contribution"
	// KindSavingsGenerated carries a quantity in minor units saved.
	KindSavingsGenerated Kind = "savings_generated"
)

// Weights maps a signal kind to points per unit.
type Weights map[Kind]int64

func DefaultWeights() Weights {
	return Weights{
		KindAcceptedAnswer:     50,
		KindHelpfulComment:     10,
		KindWizardContribution: 25,
		KindSavingsGenerated:   0,
	}
}

func (w Weights) Validate() error {
	for kind, weight := range w {
		if weight < 0 {
			return fmt.Errorf("dividend: negative weight for %s", kind)
		}
	}
	return nil
}

// Signal is one recorded contribution.
type Signal struct {
	ID     string
	UserID string
	Kind   Kind
	// Quantity is 1 for countable signals.
	Quantity int64
	// Reference identifies the source object so a signal is recorded once.
	Reference  string
	OccurredAt time.Time
}

func (s Signal) Validate() error {
	switch {
	case strings.TrimSpace(s.UserID) == "":
		return fmt.Errorf("%w: user required", ErrInvalidSignal)
	case s.Kind == "":
		return fmt.Errorf("%w: kind required", ErrInvalidSignal)
	case strings.TrimSpace(s.Reference) == "":
		return fmt.Errorf("%w: reference required", ErrInvalidSignal)
	case s.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidSignal)
	}
	return nil
}

// Totals is the summed quantity per user and kind over a period.
type Totals map[string]map[Kind]int64

// Scores weights the totals. Users scoring zero are dropped; the result is
// ordered by user id.
func Scores(totals Totals, weights Weights) ([]ledger.ContributionScore, error) {
	out := make([]ledger.ContributionScore, 0, len(totals))
	for userID, kinds := range totals {
		var score int64
		for kind, qty := range kinds {
			points, err := ledger.MulDivFloor(qty, weights[kind], 1)
			if err != nil {
				return nil, fmt.Errorf("dividend: score %s: %w", userID, err)
			}
			if score > maxScore-points {
				return nil, fmt.Errorf("dividend: score %s: %w", userID, ledger.ErrOverflow)
			}
			score += points
		}
		if score > 0 {
			out = append(out, ledger.ContributionScore{UserID: userID, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

const maxScore = int64(^uint64(0) >> 1)
