package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCheckoutToken is returned when a checkout token fails
// verification.
var ErrInvalidCheckoutToken = errors.New("gateway: invalid checkout token")

// CheckoutClaims identify the escrow a hosted checkout page is paying for.
type CheckoutClaims struct {
	SliceID       string `json:"sid"`
	TransactionID string `json:"txn"`
	Amount        int64  `json:"amt"`
	Currency      string `json:"cur"`
	jwt.RegisteredClaims
}

// CheckoutSigner mints and verifies the signed tokens embedded in redirect
// URLs handed back by CreateEscrow.
type CheckoutSigner struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewCheckoutSigner builds a signer for baseURL. A zero ttl defaults to 30
// minutes.
func NewCheckoutSigner(secret, baseURL string, ttl time.Duration) (*CheckoutSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("gateway: checkout secret required")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("gateway: invalid checkout url %q", baseURL)
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CheckoutSigner{secret: []byte(secret), baseURL: baseURL, ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the timestamp source.
func (s *CheckoutSigner) WithClock(now func() time.Time) *CheckoutSigner {
	s.now = now
	return s
}

// RedirectURL returns baseURL with a signed token query parameter.
func (s *CheckoutSigner) RedirectURL(req CreateRequest, transactionID string) (string, error) {
	issued := s.now()
	claims := CheckoutClaims{
		SliceID:       req.SliceID,
		TransactionID: transactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.PayerID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign checkout token: %w", err)
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("gateway: parse checkout url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify parses a checkout token and returns its claims.
func (s *CheckoutSigner) Verify(token string) (CheckoutClaims, error) {
	var claims CheckoutClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return CheckoutClaims{}, fmt.Errorf("%w: %v", ErrInvalidCheckoutToken, err)
	}
	return claims, nil
}
