package wallet

import "time"

// Sources of wallet credits. Together with the reference and user they key
// the journal, so replaying a credit is a no-op.
const (
	SourceEscrowRelease = "escrow_release"
	SourceDividend      = "dividend"
)

// Entry is one append-only wallet journal row.
type Entry struct {
	ID        string
	UserID    string
	Amount    int64
	Source    string
	Reference string
	CreatedAt time.Time
}
