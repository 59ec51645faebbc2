package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/exhazordinary/atomicsettle/internal/money"
)

// Balance is the per (participant, currency) position. All four components
// are non-negative; total = available + locked.
type Balance struct {
	ID            uint            `gorm:"primarykey" json:"-"`
	ParticipantID string          `gorm:"uniqueIndex:idx_participant_currency" json:"participant_id"`
	Currency      money.Currency  `gorm:"uniqueIndex:idx_participant_currency" json:"currency"`
	Available     decimal.Decimal `gorm:"type:decimal(30,10)" json:"available"`
	Locked        decimal.Decimal `gorm:"type:decimal(30,10)" json:"locked"`
	PendingIn     decimal.Decimal `gorm:"type:decimal(30,10)" json:"pending_in"`
	PendingOut    decimal.Decimal `gorm:"type:decimal(30,10)" json:"pending_out"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Total is available + locked.
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Projected is total + pending_in - pending_out.
func (b *Balance) Projected() decimal.Decimal {
	return b.Total().Add(b.PendingIn).Sub(b.PendingOut)
}

// CanReserve reports whether the available balance covers the amount.
func (b *Balance) CanReserve(amount decimal.Decimal) bool {
	return b.Available.GreaterThanOrEqual(amount)
}

// Journal entry types.
const (
	EntryReserve    = "RESERVE"
	EntryRelease    = "RELEASE"
	EntryDebit      = "DEBIT"
	EntryCredit     = "CREDIT"
	EntryCompensate = "COMPENSATE"
)

// JournalEntry is an append-only record of a single balance mutation. The
// entry is written in the same transaction as the balance update, so a
// reservation is never visible without its phase record.
type JournalEntry struct {
	ID             uint            `gorm:"primarykey" json:"-"`
	JournalID      string          `gorm:"uniqueIndex" json:"journal_id"`
	SettlementID   string          `gorm:"index" json:"settlement_id"`
	LegNumber      int             `json:"leg_number"`
	ParticipantID  string          `json:"participant_id"`
	Currency       money.Currency  `json:"currency"`
	EntryType      string          `json:"entry_type"`
	Amount         decimal.Decimal `gorm:"type:decimal(30,10)" json:"amount"`
	AvailableAfter decimal.Decimal `gorm:"type:decimal(30,10)" json:"available_after"`
	LockedAfter    decimal.Decimal `gorm:"type:decimal(30,10)" json:"locked_after"`
	CreatedAt      time.Time       `json:"created_at"`
}
