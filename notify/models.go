package notify

import (
	"encoding/json"
	"time"
)

// Outbox topics emitted by the escrow state machine.
const (
	TopicProposalAccepted = "proposal.accepted"
	TopicFundsReleased    = "funds.released"
	TopicFundsRefunded    = "funds.refunded"
	TopicDisputeOpened    = "dispute.opened"
)

// Outbox message statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Event is the payload every notification carries.
type Event struct {
	SliceID     string `json:"slice_id"`
	RecipientID string `json:"recipient_id"`
	SliceTitle  string `json:"slice_title"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	// Reason is set on dispute.opened.
	Reason string `json:"reason,omitempty"`
}

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Status    string
	Attempts  int
	CreatedAt time.Time
}
