package wallet

import (
	"context"
	"errors"

	"escrowflow/ledger"
)

// Reader abstracts repository reads for the service.
type Reader interface {
	Get(ctx context.Context, userID string) (ledger.UserWallet, error)
	Entries(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// Service exposes wallet reads.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// Balance returns the user's wallet, or an empty wallet when none exists.
func (s *Service) Balance(ctx context.Context, userID string) (ledger.UserWallet, error) {
	w, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ledger.UserWallet{UserID: userID}, nil
	}
	return w, err
}

// Entries returns up to limit journal rows for the user.
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	return s.repo.Entries(ctx, userID, limit)
}
