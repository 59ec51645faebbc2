package client

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement statuses reported by the coordinator.
const (
	StatusInitiated     = "INITIATED"
	StatusValidated     = "VALIDATED"
	StatusPendingReview = "PENDING_REVIEW"
	StatusLocking       = "LOCKING"
	StatusLocked        = "LOCKED"
	StatusCommitting    = "COMMITTING"
	StatusCommitted     = "COMMITTED"
	StatusSettled       = "SETTLED"
	StatusRejected      = "REJECTED"
	StatusFailed        = "FAILED"
)

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusSettled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Money is an exact decimal amount in one currency.
type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// FxInstruction declares how conversion is handled for a cross-currency leg.
type FxInstruction struct {
	Mode           string `json:"mode"`
	TargetCurrency string `json:"target_currency,omitempty"`
	RateReference  string `json:"rate_reference,omitempty"`
}

// SettlementRequest is a single-transfer settlement submission.
type SettlementRequest struct {
	ToParticipant  string            `json:"to_participant"`
	ToAccount      string            `json:"to_account,omitempty"`
	FromAccount    string            `json:"from_account,omitempty"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Purpose        string            `json:"purpose,omitempty"`
	RemittanceInfo string            `json:"remittance_info,omitempty"`
	FxInstruction  *FxInstruction    `json:"fx_instruction,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LegRequest is one transfer step in a multi-leg submission.
type LegRequest struct {
	FromParticipant string         `json:"from_participant"`
	FromAccount     string         `json:"from_account,omitempty"`
	ToParticipant   string         `json:"to_participant"`
	ToAccount       string         `json:"to_account,omitempty"`
	Amount          string         `json:"amount"`
	Currency        string         `json:"currency"`
	FxInstruction   *FxInstruction `json:"fx_instruction,omitempty"`
}

// MultiSettlementRequest submits legs that settle atomically.
type MultiSettlementRequest struct {
	Legs           []LegRequest      `json:"legs"`
	Purpose        string            `json:"purpose,omitempty"`
	RemittanceInfo string            `json:"remittance_info,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SettlementLeg is one transfer step of a settlement as the coordinator
// reports it.
type SettlementLeg struct {
	LegNumber       int            `json:"leg_number"`
	FromParticipant string         `json:"from_participant"`
	FromAccount     string         `json:"from_account"`
	ToParticipant   string         `json:"to_participant"`
	ToAccount       string         `json:"to_account"`
	Amount          Money          `json:"amount"`
	DestCurrency    string         `json:"dest_currency,omitempty"`
	FxInstruction   *FxInstruction `json:"fx_instruction,omitempty"`
	ConvertedAmount *Money         `json:"converted_amount,omitempty"`
}

// Timing records when each lifecycle state was entered.
type Timing struct {
	InitiatedAt time.Time  `json:"initiated_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Failure describes why a settlement ended in FAILED or REJECTED.
type Failure struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	FailedLeg *int      `json:"failed_leg,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// FxRate is one rate bound to a cross-currency settlement, keyed in
// Settlement.FxRates by its currency pair.
type FxRate struct {
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
	QuotedAt   time.Time       `json:"quoted_at"`
	ValidUntil time.Time       `json:"valid_until"`
	Source     string          `json:"source"`
}

// Settlement is the coordinator's view of one settlement.
type Settlement struct {
	SettlementID   string            `json:"settlement_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Initiator      string            `json:"initiator"`
	Status         string            `json:"status"`
	Purpose        string            `json:"purpose,omitempty"`
	RemittanceInfo string            `json:"remittance_info,omitempty"`
	Legs           []SettlementLeg   `json:"legs"`
	Timing         Timing            `json:"timing"`
	FxRates        map[string]FxRate `json:"fx_rates,omitempty"`
	Failure        *Failure          `json:"failure,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Balance is one (participant, currency) position.
type Balance struct {
	ParticipantID string          `json:"participant_id"`
	Currency      string          `json:"currency"`
	Available     decimal.Decimal `json:"available"`
	Locked        decimal.Decimal `json:"locked"`
	PendingIn     decimal.Decimal `json:"pending_in"`
	PendingOut    decimal.Decimal `json:"pending_out"`
}

// Event is one entry on the settlement status stream.
type Event struct {
	Type         string      `json:"type"`
	SettlementID string      `json:"settlement_id"`
	Status       string      `json:"status"`
	Settlement   *Settlement `json:"settlement"`
	Timestamp    time.Time   `json:"timestamp"`
}

// APIError is a structured error from the coordinator. Retryable errors carry
// a retry hint in milliseconds.
type APIError struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Retryable    bool              `json:"retryable"`
	RetryAfterMs int64             `json:"retry_after_ms,omitempty"`
	Field        string            `json:"field,omitempty"`
	SettlementID string            `json:"settlement_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
