package ledger

// Decision is an arbitration outcome, either from a single judge or from the
// council as a whole.
type Decision string

const (
	DecisionRelease Decision = "resolved_release"
	DecisionRefund  Decision = "resolved_refund"
	DecisionPartial Decision = "resolved_partial"
	DecisionAppeal  Decision = "appealed"
	// DecisionSplit is only produced by the council when no decision holds a
	// majority.
	DecisionSplit Decision = "split_decision"
)

// JudgeDecision reports whether a single judge may return the decision.
func (d Decision) JudgeDecision() bool {
	switch d {
	case DecisionRelease, DecisionRefund, DecisionPartial, DecisionAppeal:
		return true
	default:
		return false
	}
}

// MovesFunds reports whether applying the decision transitions the escrow.
func (d Decision) MovesFunds() bool {
	switch d {
	case DecisionRelease, DecisionRefund, DecisionPartial:
		return true
	default:
		return false
	}
}

// Resolution is a funds decision ready to be applied to a disputed escrow.
type Resolution struct {
	Decision Decision
	Split    *Split
	// Source names who produced the resolution (council, reviewer id).
	Source string
}
