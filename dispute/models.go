package dispute

import (
	"time"

	"escrowflow/council"
	"escrowflow/ledger"
)

// Status represents the lifecycle of an arbitration record.
type Status string

const (
	// StatusDecided means a funds decision exists but has not been applied.
	StatusDecided     Status = "decided"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Record mirrors the arbitration_records table.
type Record struct {
	ID       string
	SliceID  string
	Decision ledger.Decision
	Split    *ledger.Split
	Summary  string
	Verdicts []council.Verdict
	// Source is "council" or the reviewer id of a human override.
	Source     string
	Status     Status
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Precedent is a human-authored ruling fed back into later deliberations.
type Precedent struct {
	ID         string
	SliceID    string
	ReviewerID string
	Text       string
	CreatedAt  time.Time
}

type OverrideParams struct {
	SliceID    string
	ReviewerID string
	Decision   ledger.Decision
	Split      *ledger.Split
	// Precedent, when non-empty, is appended to the precedent list once the
	// override has been applied.
	Precedent string
}

// Outcome is the result of one arbitration call.
type Outcome struct {
	Record    Record
	Escrow    *ledger.EscrowPayment
	Escalated bool
	// ClosedEscalations counts review queue entries retired by an override.
	ClosedEscalations int64
}
