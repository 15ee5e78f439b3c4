package council

import (
	"fmt"
	"sort"
	"strings"

	"escrowflow/ledger"
)

// NoEvidenceSummary is returned when a case has no visual evidence.
const NoEvidenceSummary = "No visual evidence was submitted; escalating to human review."

// Reduce folds judge verdicts into one consensus. Placeholders are dropped;
// no survivors means appealed, one survivor is adopted outright, otherwise a
// decision needs a strict majority of the survivors or the result is a
// split decision.
func Reduce(verdicts []Verdict) Consensus {
	active := make([]Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		if !v.Placeholder() {
			active = append(active, v)
		}
	}

	out := Consensus{
		Verdicts:    verdicts,
		ActiveVotes: len(active),
		Tally:       make(map[ledger.Decision]int, 4),
	}
	for _, v := range active {
		out.Tally[v.Decision]++
	}

	switch len(active) {
	case 0:
		out.Decision = ledger.DecisionAppeal
		out.Summary = fmt.Sprintf("No usable verdicts from %d judge(s); escalating to human review.", len(verdicts))
		return out
	case 1:
		v := active[0]
		out.Decision = v.Decision
		if v.Decision == ledger.DecisionPartial {
			out.Split = copySplit(v.SuggestedSplit)
		}
		out.Summary = fmt.Sprintf("Single active verdict from %s adopted: %s (confidence %d).", v.Judge, v.Decision, v.Confidence)
		return out
	}

	n := len(active)
	for _, decision := range sortedDecisions(out.Tally) {
		if 2*out.Tally[decision] > n {
			out.Decision = decision
			if decision == ledger.DecisionPartial {
				out.Split = meanSplit(active)
			}
			out.Summary = fmt.Sprintf("Majority %s (%d of %d active verdicts). %s", decision, out.Tally[decision], n, tallyText(out.Tally))
			return out
		}
	}

	out.Decision = ledger.DecisionSplit
	out.Summary = fmt.Sprintf("No majority among %d active verdicts; human review required. %s", n, tallyText(out.Tally))
	return out
}

// meanSplit averages the provider share of the partial verdicts, flooring,
// and gives the client the complement.
func meanSplit(active []Verdict) *ledger.Split {
	sum, count := 0, 0
	for _, v := range active {
		if v.Decision != ledger.DecisionPartial || v.SuggestedSplit == nil {
			continue
		}
		sum += v.SuggestedSplit.Provider
		count++
	}
	if count == 0 {
		return nil
	}
	provider := sum / count
	return &ledger.Split{Provider: provider, Client: 100 - provider}
}

func copySplit(s *ledger.Split) *ledger.Split {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func sortedDecisions(tally map[ledger.Decision]int) []ledger.Decision {
	out := make([]ledger.Decision, 0, len(tally))
	for d := range tally {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func tallyText(tally map[ledger.Decision]int) string {
	parts := make([]string, 0, len(tally))
	for _, d := range sortedDecisions(tally) {
		parts = append(parts, fmt.Sprintf("%s=%d", d, tally[d]))
	}
	return "Tally: " + strings.Join(parts, ", ") + "."
}
