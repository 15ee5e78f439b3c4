package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// Op names a gateway operation for errors and metrics.
type Op string

const (
	OpCreate  Op = "create_escrow"
	OpRelease Op = "release_funds"
	OpRefund  Op = "refund"
)

// Gateway hides settlement-provider differences behind three operations.
// Amounts are integer minor units.
type Gateway interface {
	Name() string
	CreateEscrow(ctx context.Context, req CreateRequest) (CreateResult, error)
	ReleaseFunds(ctx context.Context, transactionID string) (ReleaseResult, error)
	// Refund returns amount to the payer, or the whole held amount when amount
	// is nil. Repeating a refund of the same amount is a no-op.
	Refund(ctx context.Context, transactionID string, amount *int64) (RefundResult, error)
}

// CreateRequest asks a backend to hold funds for a slice.
type CreateRequest struct {
	SliceID string
	// Amount is the total charged to the payer, platform fee included.
	Amount int64
	// PlatformFee is the commission portion of Amount. Each backend decides
	// how to express it to its rail.
	PlatformFee int64
	Currency    string
	PayerID     string
	PayeeID     string
}

// CreateResult is returned by CreateEscrow.
type CreateResult struct {
	TransactionID string
	Status        string
	RedirectURL   string
}

// ReleaseResult is returned by ReleaseFunds.
type ReleaseResult struct {
	Success    bool
	ReleasedAt time.Time
}

// RefundResult is returned by Refund.
type RefundResult struct {
	Success    bool
	RefundedAt time.Time
}

var (
	// ErrGateway matches every *Error.
	ErrGateway = errors.New("gateway: request failed")
	// ErrUnknownBackend is returned when a named backend is not registered.
	ErrUnknownBackend = errors.New("gateway: unknown backend")
	// ErrUnknownTransaction is returned when a backend has no record of a
	// transaction id.
	ErrUnknownTransaction = errors.New("gateway: unknown transaction")
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("gateway: invalid request")
	// ErrAlreadyReleased is returned for a refund on funds already paid out.
	ErrAlreadyReleased = errors.New("gateway: transaction already released")
)

// Error wraps a backend failure. Retryable failures leave escrow state
// untouched and may be retried by the caller.
type Error struct {
	Backend   string
	Op        Op
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("gateway: %s %s (%s): %v", e.Backend, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrGateway) true for any *Error.
func (e *Error) Is(target error) bool { return target == ErrGateway }

// IsRetryable reports whether err is a retryable gateway failure.
func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// Validate checks the request fields shared by every backend.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.SliceID) == "" {
		return fmt.Errorf("%w: slice id required", ErrInvalidRequest)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.PlatformFee < 0 || r.PlatformFee > r.Amount {
		return fmt.Errorf("%w: platform fee out of range", ErrInvalidRequest)
	}
	if _, err := currency.ParseISO(r.Currency); err != nil {
		return fmt.Errorf("%w: currency %q: %v", ErrInvalidRequest, r.Currency, err)
	}
	if r.PayerID == "" || r.PayeeID == "" {
		return fmt.Errorf("%w: payer and payee required", ErrInvalidRequest)
	}
	return nil
}

// NormalizeCurrency returns the canonical ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: currency %q: %v", ErrInvalidRequest, code, err)
	}
	return unit.String(), nil
}
