package council

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/ledger"
)

// ErrMissingCredentials is returned by a judge that has no API key
// configured.
var ErrMissingCredentials = errors.New("council: judge credentials missing")

// Judge is the contract every arbitration backend satisfies to take part in
// voting. Implementations must not mutate shared state.
type Judge interface {
	Name() string
	Judge(ctx context.Context, contractText string, evidenceURLs []string, precedents []string) (Verdict, error)
}

// Sentinel reasons attached to verdicts that do not count as votes.
const (
	SentinelMissingCredentials = "missing_credentials"
	SentinelTimeout            = "timeout"
	SentinelError              = "error"
	SentinelInvalid            = "invalid_verdict"
)

// Verdict is one judge's opinion.
type Verdict struct {
	Judge          string          `json:"judge"`
	Decision       ledger.Decision `json:"decision"`
	Confidence     int             `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	ObservedFacts  []string        `json:"observed_facts,omitempty"`
	SuggestedSplit *ledger.Split   `json:"suggested_split,omitempty"`
	Sentinel       bool            `json:"sentinel,omitempty"`
	SentinelReason string          `json:"sentinel_reason,omitempty"`
}

// sentinel builds the placeholder verdict for a degraded judge.
func sentinel(judge, reason string, err error) Verdict {
	reasoning := reason
	if err != nil {
		reasoning = fmt.Sprintf("%s: %v", reason, err)
	}
	return Verdict{
		Judge:          judge,
		Decision:       ledger.DecisionAppeal,
		Confidence:     0,
		Reasoning:      reasoning,
		Sentinel:       true,
		SentinelReason: reason,
	}
}

// Placeholder reports whether the verdict is excluded from the tally: an
// explicit sentinel, or an inconclusive appeal carrying zero confidence.
func (v Verdict) Placeholder() bool {
	if v.Sentinel {
		return true
	}
	return v.Decision == ledger.DecisionAppeal && v.Confidence == 0
}

// normalize validates a judge's answer, clamping confidence and dropping a
// split on non-partial decisions.
func (v Verdict) normalize(judge string) (Verdict, error) {
	v.Judge = judge
	if !v.Decision.JudgeDecision() {
		return Verdict{}, fmt.Errorf("unknown decision %q", v.Decision)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 100 {
		v.Confidence = 100
	}
	if v.Decision == ledger.DecisionPartial {
		if v.SuggestedSplit == nil {
			return Verdict{}, errors.New("partial decision without suggested split")
		}
		if err := v.SuggestedSplit.Validate(); err != nil {
			return Verdict{}, err
		}
	} else {
		v.SuggestedSplit = nil
	}
	return v, nil
}

// Consensus is the council's reduced decision.
type Consensus struct {
	Decision ledger.Decision `json:"decision"`
	// Split is set when Decision is resolved_partial.
	Split       *ledger.Split           `json:"split,omitempty"`
	Verdicts    []Verdict               `json:"verdicts"`
	Summary     string                  `json:"summary"`
	ActiveVotes int                     `json:"active_votes"`
	Tally       map[ledger.Decision]int `json:"tally,omitempty"`
}

// Resolution converts the consensus into a state-machine resolution. ok is
// false when the consensus does not move funds.
func (c Consensus) Resolution() (ledger.Resolution, bool) {
	if !c.Decision.MovesFunds() {
		return ledger.Resolution{}, false
	}
	return ledger.Resolution{Decision: c.Decision, Split: c.Split, Source: "council"}, true
}
