package escrow

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/wallet"
)

// Slice event types appended to the slice timeline.
const (
	EventSliceProposed    = "SLICE_PROPOSED"
	EventQuoteAccepted    = "QUOTE_ACCEPTED"
	EventEscrowFunded     = "ESCROW_FUNDED"
	EventFundingFailed    = "ESCROW_FUNDING_FAILED"
	EventWorkStarted      = "WORK_STARTED"
	EventWorkCompleted    = "WORK_COMPLETED"
	EventClientApproved   = "CLIENT_APPROVED"
	EventDisputeRaised    = "DISPUTE_RAISED"
	EventFundsReleased    = "FUNDS_RELEASED"
	EventFundsRefunded    = "FUNDS_REFUNDED"
	EventFundsSplit       = "FUNDS_SPLIT"
	EventSettlementFailed = "SETTLEMENT_FAILED"
)

// Event captures an immutable business event for a slice.
type Event struct {
	ID        int64
	SliceID   string
	Type      string
	ActorID   *string
	Payload   map[string]any
	CreatedAt time.Time
}

// View is a slice together with its escrow, when one exists.
type View struct {
	Slice  ledger.Slice
	Escrow *ledger.EscrowPayment
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the persistence boundary of the state machine. Lock*
// methods take row locks for the life of tx; Update* methods write only when
// the stored status still equals expected and return ErrStaleState otherwise.
type Repository interface {
	GetSlice(ctx context.Context, id string) (ledger.Slice, error)
	GetEscrow(ctx context.Context, id string) (ledger.EscrowPayment, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]ledger.Slice, error)
	Events(ctx context.Context, sliceID string) ([]Event, error)

	InsertSlice(ctx context.Context, tx pgx.Tx, s ledger.Slice) error
	InsertEscrow(ctx context.Context, tx pgx.Tx, e ledger.EscrowPayment) error
	LockSlice(ctx context.Context, tx pgx.Tx, id string) (ledger.Slice, error)
	LockEscrow(ctx context.Context, tx pgx.Tx, id string) (ledger.EscrowPayment, error)
	UpdateSlice(ctx context.Context, tx pgx.Tx, s ledger.Slice, expected ledger.SliceStatus) error
	UpdateEscrow(ctx context.Context, tx pgx.Tx, e ledger.EscrowPayment, expected ledger.EscrowStatus) error
	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error
}

// OutboxWriter enqueues notifications inside the transition transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error
}

// WalletCrediter credits provider earnings inside the transition
// transaction.
type WalletCrediter interface {
	Credit(ctx context.Context, tx wallet.Execer, e wallet.Entry) (bool, error)
}

// Gateways resolves payment backends.
type Gateways interface {
	Select(sel gateway.Selection) (gateway.Gateway, error)
	Get(name string) (gateway.Gateway, error)
}

// ProposeParams describes a new slice of work.
type ProposeParams struct {
	ClientID           string
	ProviderID         string
	Title              string
	Description        string
	AcceptanceCriteria string
	Price              int64
	Currency           string
}

// AcceptParams accepts a quote and funds its escrow.
type AcceptParams struct {
	SliceID       string
	ActorID       string
	PaymentMethod string
	// Backend, when set, forces a gateway. Region feeds the regional policy.
	Backend string
	Region  string
}

// FundResult is returned by AcceptQuote and FundEscrow.
type FundResult struct {
	Slice       ledger.Slice
	Escrow      ledger.EscrowPayment
	RedirectURL string
}

// DisputeParams raises a dispute.
type DisputeParams struct {
	SliceID  string
	ActorID  string
	Reason   string
	Evidence []ledger.Evidence
}
