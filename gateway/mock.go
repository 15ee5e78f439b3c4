package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockTxn struct {
	req        CreateRequest
	releasedAt *time.Time
	refunds    map[int64]time.Time
	refunded   int64
	// fullRefundAt is set by a refund without an amount.
	fullRefundAt *time.Time
}

// MockGateway settles nothing. It backs test mode and unit tests, and
// supports failure injection per operation.
type MockGateway struct {
	name string
	now  func() time.Time

	mu       sync.Mutex
	txns     map[string]*mockTxn
	failures map[Op]error
	calls    map[Op]int
}

// NewMockGateway returns an empty in-memory backend named "mock".
func NewMockGateway() *MockGateway {
	return &MockGateway{
		name:     MockBackend,
		now:      time.Now,
		txns:     make(map[string]*mockTxn),
		failures: make(map[Op]error),
		calls:    make(map[Op]int),
	}
}

// WithName renames the backend, useful when a test registers several.
func (m *MockGateway) WithName(name string) *MockGateway {
	m.name = name
	return m
}

// WithClock overrides the timestamp source.
func (m *MockGateway) WithClock(now func() time.Time) *MockGateway {
	m.now = now
	return m
}

// Fail makes every subsequent call to op fail with a retryable error wrapping
// err. Passing nil clears the failure.
func (m *MockGateway) Fail(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls reports how many times op was invoked.
func (m *MockGateway) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Released reports whether the transaction has been released.
func (m *MockGateway) Released(transactionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[transactionID]
	return ok && txn.releasedAt != nil
}

// RefundedAmount reports the cumulative refunded amount.
func (m *MockGateway) RefundedAmount(transactionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.txns[transactionID]; ok {
		return txn.refunded
	}
	return 0
}

func (m *MockGateway) Name() string { return m.name }

func (m *MockGateway) CreateEscrow(_ context.Context, req CreateRequest) (CreateResult, error) {
	if err := req.Validate(); err != nil {
		return CreateResult{}, &Error{Backend: m.name, Op: OpCreate, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpCreate]++
	if err := m.failures[OpCreate]; err != nil {
		return CreateResult{}, &Error{Backend: m.name, Op: OpCreate, Retryable: true, Err: err}
	}
	id := "mock_" + uuid.NewString()
	m.txns[id] = &mockTxn{req: req, refunds: make(map[int64]time.Time)}
	return CreateResult{TransactionID: id, Status: "held"}, nil
}

func (m *MockGateway) ReleaseFunds(_ context.Context, transactionID string) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpRelease]++
	if err := m.failures[OpRelease]; err != nil {
		return ReleaseResult{}, &Error{Backend: m.name, Op: OpRelease, Retryable: true, Err: err}
	}
	txn, ok := m.txns[transactionID]
	if !ok {
		return ReleaseResult{}, &Error{Backend: m.name, Op: OpRelease, Err: fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)}
	}
	if txn.releasedAt == nil {
		at := m.now().UTC()
		txn.releasedAt = &at
	}
	return ReleaseResult{Success: true, ReleasedAt: *txn.releasedAt}, nil
}

func (m *MockGateway) Refund(_ context.Context, transactionID string, amount *int64) (RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpRefund]++
	if err := m.failures[OpRefund]; err != nil {
		return RefundResult{}, &Error{Backend: m.name, Op: OpRefund, Retryable: true, Err: err}
	}
	txn, ok := m.txns[transactionID]
	if !ok {
		return RefundResult{}, &Error{Backend: m.name, Op: OpRefund, Err: fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)}
	}
	if amount == nil && txn.fullRefundAt != nil {
		return RefundResult{Success: true, RefundedAt: *txn.fullRefundAt}, nil
	}
	value := txn.req.Amount - txn.refunded
	if amount != nil {
		value = *amount
	}
	if at, done := txn.refunds[value]; done {
		return RefundResult{Success: true, RefundedAt: at}, nil
	}
	if txn.releasedAt != nil {
		return RefundResult{}, &Error{Backend: m.name, Op: OpRefund, Err: fmt.Errorf("%w: %s", ErrAlreadyReleased, transactionID)}
	}
	if value <= 0 || txn.refunded+value > txn.req.Amount {
		return RefundResult{}, &Error{Backend: m.name, Op: OpRefund, Err: fmt.Errorf("%w: refund %d exceeds held amount", ErrInvalidRequest, value)}
	}
	at := m.now().UTC()
	txn.refunds[value] = at
	txn.refunded += value
	if amount == nil {
		txn.fullRefundAt = &at
	}
	return RefundResult{Success: true, RefundedAt: at}, nil
}
