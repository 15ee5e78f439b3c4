// Package escrowtest provides an in-memory escrow store for tests of
// packages built on the escrow state machine.
package escrowtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/wallet"
)

type state struct {
	slices    map[string]ledger.Slice
	escrows   map[string]ledger.EscrowPayment
	events    []escrow.Event
	outbox    []notify.Message
	wallets   map[string]ledger.UserWallet
	entries   map[string]wallet.Entry
	nextEvent int64
}

func (s *state) clone() *state {
	c := &state{
		slices:    make(map[string]ledger.Slice, len(s.slices)),
		escrows:   make(map[string]ledger.EscrowPayment, len(s.escrows)),
		events:    append([]escrow.Event(nil), s.events...),
		outbox:    append([]notify.Message(nil), s.outbox...),
		wallets:   make(map[string]ledger.UserWallet, len(s.wallets)),
		entries:   make(map[string]wallet.Entry, len(s.entries)),
		nextEvent: s.nextEvent,
	}
	for k, v := range s.slices {
		c.slices[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	return c
}

// Store is an in-memory implementation of escrow.Repository,
// escrow.TxBeginner, escrow.OutboxWriter and escrow.WalletCrediter.
// Transactions are serialized and see a private copy of the committed state
// that replaces it on Commit.
type Store struct {
	txMu   sync.Mutex
	dataMu sync.Mutex
	data   *state
	// BeforeCommit, when set, runs before each commit and may fail it.
	BeforeCommit func() error
}

// New returns an empty store.
func New() *Store {
	return &Store{data: &state{
		slices:  map[string]ledger.Slice{},
		escrows: map[string]ledger.EscrowPayment{},
		wallets: map[string]ledger.UserWallet{},
		entries: map[string]wallet.Entry{},
	}}
}

func (s *Store) snapshot() *state {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data
}

// Begin opens a serialized transaction.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	s.txMu.Lock()
	s.dataMu.Lock()
	work := s.data.clone()
	s.dataMu.Unlock()
	return &Tx{store: s, work: work}, nil
}

// Tx is the store's pgx.Tx. Only Commit and Rollback are meaningful.
type Tx struct {
	store *Store
	work  *state
	done  bool
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.store.txMu.Unlock()
	if t.store.BeforeCommit != nil {
		if err := t.store.BeforeCommit(); err != nil {
			return err
		}
	}
	t.store.dataMu.Lock()
	t.store.data = t.work
	t.store.dataMu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("escrowtest: nested transactions are not supported")
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

func work(tx any) (*state, error) {
	t, ok := tx.(*Tx)
	if !ok || t.done {
		return nil, fmt.Errorf("escrowtest: not an open store transaction: %T", tx)
	}
	return t.work, nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", escrow.ErrNotFound, kind, id)
}

// GetSlice implements escrow.Repository.
func (s *Store) GetSlice(_ context.Context, id string) (ledger.Slice, error) {
	sl, ok := s.snapshot().slices[id]
	if !ok {
		return ledger.Slice{}, notFound("slice", id)
	}
	return sl, nil
}

func (s *Store) GetEscrow(_ context.Context, id string) (ledger.EscrowPayment, error) {
	e, ok := s.snapshot().escrows[id]
	if !ok {
		return ledger.EscrowPayment{}, notFound("escrow", id)
	}
	return e, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]ledger.Slice, error) {
	var out []ledger.Slice
	for _, sl := range s.snapshot().slices {
		if sl.Status == ledger.SliceCompleted && sl.AutoReleaseAt != nil && sl.AutoReleaseAt.Before(now) {
			out = append(out, sl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AutoReleaseAt.Equal(*out[j].AutoReleaseAt) {
			return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Events(_ context.Context, sliceID string) ([]escrow.Event, error) {
	var out []escrow.Event
	for _, e := range s.snapshot().events {
		if e.SliceID == sliceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) InsertSlice(_ context.Context, tx pgx.Tx, sl ledger.Slice) error {
	w, err := work(tx)
	if err != nil {
		return err
	}
	if _, exists := w.slices[sl.ID]; exists {
		return fmt.Errorf("escrowtest: duplicate slice %s", sl.ID)
	}
	w.slices[sl.ID] = sl
	return nil
}

func (s *Store) InsertEscrow(_ context.Context, tx pgx.Tx, e ledger.EscrowPayment) error {
	w, err := work(tx)
	if err != nil {
		return err
	}
	if err := e.CheckAmounts(); err != nil {
		return err
	}
	for _, existing := range w.escrows {
		if existing.SliceID == e.SliceID && !existing.Status.Terminal() {
			return fmt.Errorf("escrowtest: slice %s already has an active escrow", e.SliceID)
		}
	}
	w.escrows[e.ID] = e
	return nil
}

func (s *Store) LockSlice(_ context.Context, tx pgx.Tx, id string) (ledger.Slice, error) {
	w, err := work(tx)
	if err != nil {
		return ledger.Slice{}, err
	}
	sl, ok := w.slices[id]
	if !ok {
		return ledger.Slice{}, notFound("slice", id)
	}
	return sl, nil
}

func (s *Store) LockEscrow(_ context.Context, tx pgx.Tx, id string) (ledger.EscrowPayment, error) {
	w, err := work(tx)
	if err != nil {
		return ledger.EscrowPayment{}, err
	}
	e, ok := w.escrows[id]
	if !ok {
		return ledger.EscrowPayment{}, notFound("escrow", id)
	}
	return e, nil
}

func (s *Store) UpdateSlice(_ context.Context, tx pgx.Tx, sl ledger.Slice, expected ledger.SliceStatus) error {
	w, err := work(tx)
	if err != nil {
		return err
	}
	current, ok := w.slices[sl.ID]
	if !ok || current.Status != expected {
		return fmt.Errorf("%w: slice %s no longer %s", escrow.ErrStaleState, sl.ID, expected)
	}
	sl.CreatedAt = current.CreatedAt
	w.slices[sl.ID] = sl
	return nil
}

func (s *Store) UpdateEscrow(_ context.Context, tx pgx.Tx, e ledger.EscrowPayment, expected ledger.EscrowStatus) error {
	w, err := work(tx)
	if err != nil {
		return err
	}
	current, ok := w.escrows[e.ID]
	if !ok || current.Status != expected {
		return fmt.Errorf("%w: escrow %s no longer %s", escrow.ErrStaleState, e.ID, expected)
	}
	if err := e.CheckAmounts(); err != nil {
		return err
	}
	w.escrows[e.ID] = e
	return nil
}

func (s *Store) AppendEvent(_ context.Context, tx pgx.Tx, e escrow.Event) error {
	w, err := work(tx)
	if err != nil {
		return err
	}
	w.nextEvent++
	e.ID = w.nextEvent
	w.events = append(w.events, e)
	return nil
}

// Enqueue implements escrow.OutboxWriter.
func (s *Store) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload any) error {
	w, err := work(tx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.outbox = append(w.outbox, notify.Message{
		ID:      fmt.Sprintf("msg-%d", len(w.outbox)+1),
		Topic:   topic,
		Payload: body,
		Status:  notify.StatusPending,
	})
	return nil
}

// Credit implements escrow.WalletCrediter with the same replay semantics as
// the Postgres journal.
func (s *Store) Credit(_ context.Context, tx wallet.Execer, e wallet.Entry) (bool, error) {
	w, err := work(tx)
	if err != nil {
		return false, err
	}
	if e.UserID == "" || e.Source == "" || e.Reference == "" || e.Amount <= 0 {
		return false, wallet.ErrInvalidEntry
	}
	key := e.Source + "|" + e.Reference + "|" + e.UserID
	if _, dup := w.entries[key]; dup {
		return false, nil
	}
	w.entries[key] = e
	wl := w.wallets[e.UserID]
	wl.UserID = e.UserID
	wl.Balance += e.Amount
	wl.TotalEarned += e.Amount
	wl.UpdatedAt = e.CreatedAt
	w.wallets[e.UserID] = wl
	return true, nil
}

// Messages returns committed outbox messages for topic, or all when topic is
// empty.
func (s *Store) Messages(topic string) []notify.Message {
	var out []notify.Message
	for _, m := range s.snapshot().outbox {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Wallet returns the committed wallet for a user.
func (s *Store) Wallet(userID string) ledger.UserWallet {
	return s.snapshot().wallets[userID]
}

// Entries returns the number of committed wallet journal rows.
func (s *Store) Entries() int {
	return len(s.snapshot().entries)
}
