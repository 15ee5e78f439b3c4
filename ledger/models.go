package ledger

import "time"

// SliceStatus tracks the work lifecycle of a slice.
type SliceStatus string

const (
	SliceProposed         SliceStatus = "proposed"
	SliceAccepted         SliceStatus = "accepted"
	SliceInProgress       SliceStatus = "in_progress"
	SliceCompleted        SliceStatus = "completed"
	SliceApprovedByClient SliceStatus = "approved_by_client"
	SliceDisputed         SliceStatus = "disputed"
	SlicePaid             SliceStatus = "paid"
	SliceRefunded         SliceStatus = "refunded"
)

// Valid reports whether the status is one of the known slice states.
func (s SliceStatus) Valid() bool {
	switch s {
	case SliceProposed, SliceAccepted, SliceInProgress, SliceCompleted,
		SliceApprovedByClient, SliceDisputed, SlicePaid, SliceRefunded:
		return true
	default:
		return false
	}
}

// EscrowStatus tracks the money lifecycle of an escrow payment.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending_escrow"
	EscrowHeld     EscrowStatus = "in_escrow"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// Valid reports whether the status is one of the known escrow states.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowPending, EscrowHeld, EscrowReleased, EscrowRefunded, EscrowDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further money movement is possible.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// MediaKind tags an evidence item.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Visual reports whether the media kind can be inspected by a judge.
func (k MediaKind) Visual() bool {
	return k == MediaImage || k == MediaVideo
}

// Evidence references one uploaded artefact supporting a dispute.
type Evidence struct {
	URL       string    `json:"url"`
	MediaKind MediaKind `json:"media_kind"`
}

// Slice mirrors the slices table.
type Slice struct {
	ID                 string
	ClientID           string
	ProviderID         string
	Title              string
	Description        string
	AcceptanceCriteria string
	Price              int64
	Currency           string
	Status             SliceStatus
	EscrowID           *string
	AutoReleaseAt      *time.Time
	DisputeReason      *string
	DisputeEvidence    []Evidence
	DisputedAt         *time.Time
	CompletedAt        *time.Time
	PaidAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsParty reports whether the user is the client or the assigned provider.
func (s Slice) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == s.ClientID || userID == s.ProviderID
}

// EscrowPayment mirrors the escrow_payments table. It is owned by exactly one
// slice.
type EscrowPayment struct {
	ID                  string
	SliceID             string
	Status              EscrowStatus
	TotalAmount         int64
	SliceAmount         int64
	PlatformFee         int64
	CommunityRewardPool int64
	Currency            string
	PaymentMethod       string
	Backend             string
	TransactionID       *string
	DisputeReason       *string
	ProviderAmount      int64
	ClientRefundAmount  int64
	// SettlingUntil is the lease taken while a release or refund is in
	// flight at the gateway.
	SettlingUntil *time.Time
	CreatedAt     time.Time
	FundedAt      *time.Time
	DisputedAt    *time.Time
	ReleasedAt    *time.Time
	RefundedAt    *time.Time
}

// Settling reports whether a settlement lease is live at now.
func (e EscrowPayment) Settling(now time.Time) bool {
	return e.SettlingUntil != nil && now.Before(*e.SettlingUntil)
}

// CheckAmounts verifies the money invariants of the record.
func (e EscrowPayment) CheckAmounts() error {
	return Amounts{
		SliceAmount:         e.SliceAmount,
		PlatformFee:         e.PlatformFee,
		CommunityRewardPool: e.CommunityRewardPool,
		TotalAmount:         e.TotalAmount,
	}.Validate()
}

// CommunityReward is the durable receipt of one dividend payout. Rows are
// append-only.
type CommunityReward struct {
	ID     string
	RunID  string
	UserID string
	Amount int64
	Reason string
	PaidAt time.Time
}

// UserWallet holds a user's running balance and lifetime earnings.
type UserWallet struct {
	UserID      string
	Balance     int64
	TotalEarned int64
	UpdatedAt   time.Time
}

// ContributionScore is a derived per-user score over a period.
type ContributionScore struct {
	UserID string
	Score  int64
}
