package escrow

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/ledger"
)

var (
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrStaleState means another actor changed the row first. Callers such
	// as the auto-release sweep treat it as a benign skip.
	ErrStaleState = errors.New("escrow: stale state")
	// ErrNotFound is returned when no slice or escrow row exists.
	ErrNotFound = errors.New("escrow: not found")
	// ErrNoFundsMovement is returned when a resolution would not move money
	// (appealed, split_decision).
	ErrNoFundsMovement = errors.New("escrow: decision does not move funds")
)

// TransitionError reports a status change that is not an edge of the state
// machine.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError is a synchronous rejection; nothing was written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "escrow: " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

var sliceEdges = map[ledger.SliceStatus][]ledger.SliceStatus{
	ledger.SliceProposed:         {ledger.SliceAccepted},
	ledger.SliceAccepted:         {ledger.SliceInProgress},
	ledger.SliceInProgress:       {ledger.SliceCompleted, ledger.SliceDisputed},
	ledger.SliceCompleted:        {ledger.SliceApprovedByClient, ledger.SliceDisputed, ledger.SlicePaid},
	ledger.SliceApprovedByClient: {ledger.SlicePaid, ledger.SliceDisputed},
	ledger.SliceDisputed:         {ledger.SlicePaid, ledger.SliceRefunded},
}

var escrowEdges = map[ledger.EscrowStatus][]ledger.EscrowStatus{
	ledger.EscrowPending:  {ledger.EscrowHeld},
	ledger.EscrowHeld:     {ledger.EscrowReleased, ledger.EscrowRefunded, ledger.EscrowDisputed},
	ledger.EscrowDisputed: {ledger.EscrowReleased, ledger.EscrowRefunded},
}

// DisputableSliceStatuses are the slice states a dispute may be raised from.
var DisputableSliceStatuses = []ledger.SliceStatus{
	ledger.SliceInProgress,
	ledger.SliceCompleted,
	ledger.SliceApprovedByClient,
}

// CanTransitionSlice reports whether from -> to is a slice edge.
func CanTransitionSlice(from, to ledger.SliceStatus) bool {
	for _, next := range sliceEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionEscrow reports whether from -> to is an escrow edge.
func CanTransitionEscrow(from, to ledger.EscrowStatus) bool {
	for _, next := range escrowEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSlice moves s to next and stamps the timestamps that belong to
// the new state. Entering completed starts the auto-release window.
func TransitionSlice(s ledger.Slice, next ledger.SliceStatus, now time.Time, window time.Duration) (ledger.Slice, error) {
	if !CanTransitionSlice(s.Status, next) {
		return s, &TransitionError{Entity: "slice", From: string(s.Status), To: string(next)}
	}
	now = now.UTC()
	s.Status = next
	s.UpdatedAt = now
	switch next {
	case ledger.SliceCompleted:
		deadline := now.Add(window)
		s.CompletedAt = &now
		s.AutoReleaseAt = &deadline
	case ledger.SliceDisputed:
		s.DisputedAt = &now
	case ledger.SlicePaid:
		s.PaidAt = &now
	}
	return s, nil
}

// TransitionEscrow moves e to next and stamps its timestamp. Released and
// refunded are terminal.
func TransitionEscrow(e ledger.EscrowPayment, next ledger.EscrowStatus, now time.Time) (ledger.EscrowPayment, error) {
	if !CanTransitionEscrow(e.Status, next) {
		return e, &TransitionError{Entity: "escrow", From: string(e.Status), To: string(next)}
	}
	now = now.UTC()
	e.Status = next
	switch next {
	case ledger.EscrowHeld:
		e.FundedAt = &now
	case ledger.EscrowDisputed:
		e.DisputedAt = &now
	case ledger.EscrowReleased:
		e.ReleasedAt = &now
	case ledger.EscrowRefunded:
		e.RefundedAt = &now
	}
	return e, nil
}
