package types

import (
	"time"

	"gorm.io/gorm"

	"github.com/exhazordinary/atomicsettle/internal/money"
)

// FxMode declares which party's rate desk governs a cross-currency leg.
type FxMode string

const (
	FxAtSource      FxMode = "AT_SOURCE"
	FxAtDestination FxMode = "AT_DESTINATION"
	FxAtCoordinator FxMode = "AT_COORDINATOR"
)

// FxInstruction declares how conversion is handled for a cross-currency leg.
type FxInstruction struct {
	Mode           FxMode         `json:"mode"`
	TargetCurrency money.Currency `json:"target_currency,omitempty"`
	RateReference  string         `json:"rate_reference,omitempty"`
}

// RateSide maps the instruction mode to the side of the quote consumed:
// the source desk sells the base currency at bid, the destination desk buys
// at ask, and the coordinator nets at mid.
func (i FxInstruction) RateSide() money.RateSide {
	switch i.Mode {
	case FxAtSource:
		return money.RateSideBid
	case FxAtDestination:
		return money.RateSideAsk
	default:
		return money.RateSideMid
	}
}

// SettlementLeg is one ordered, directional transfer step within a
// settlement. Legs are owned exclusively by their parent settlement.
type SettlementLeg struct {
	LegNumber       int            `json:"leg_number"`
	FromParticipant string         `json:"from_participant"`
	FromAccount     string         `json:"from_account"`
	ToParticipant   string         `json:"to_participant"`
	ToAccount       string         `json:"to_account"`
	Amount          money.Money    `json:"amount"`
	DestCurrency    money.Currency `json:"dest_currency"`
	FxInstruction   *FxInstruction `json:"fx_instruction,omitempty"`
	ConvertedAmount *money.Money   `json:"converted_amount,omitempty"`
}

// IsCrossCurrency reports whether the leg requires conversion.
func (l SettlementLeg) IsCrossCurrency() bool {
	return l.DestCurrency != "" && l.DestCurrency != l.Amount.Currency
}

// DestinationCurrency is the currency credited to the destination account.
func (l SettlementLeg) DestinationCurrency() money.Currency {
	if l.DestCurrency != "" {
		return l.DestCurrency
	}
	return l.Amount.Currency
}

// SettlementTiming records when each lifecycle state was entered.
type SettlementTiming struct {
	InitiatedAt time.Time  `json:"initiated_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// TotalDurationMs is settled_at - initiated_at, or nil while in flight.
func (t SettlementTiming) TotalDurationMs() *int64 {
	if t.SettledAt == nil {
		return nil
	}
	ms := t.SettledAt.Sub(t.InitiatedAt).Milliseconds()
	return &ms
}

// LockDurationMs is the time spent between validation and lock completion.
func (t SettlementTiming) LockDurationMs() *int64 {
	if t.ValidatedAt == nil || t.LockedAt == nil {
		return nil
	}
	ms := t.LockedAt.Sub(*t.ValidatedAt).Milliseconds()
	return &ms
}

// SettlementFailure is populated only when status is FAILED or REJECTED.
type SettlementFailure struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	FailedLeg *int      `json:"failed_leg,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// Settlement is a multi-leg atomic settlement instance. It is created at
// submission, mutated only by the orchestrator, immutable once terminal,
// and retained indefinitely for query and audit.
type Settlement struct {
	gorm.Model     `json:"-"`
	SettlementID   string                  `gorm:"uniqueIndex" json:"settlement_id"`
	IdempotencyKey string                  `gorm:"index" json:"idempotency_key"`
	Initiator      string                  `gorm:"index" json:"initiator"`
	Status         Status                  `gorm:"index" json:"status"`
	Purpose        string                  `json:"purpose,omitempty"`
	RemittanceInfo string                  `json:"remittance_info,omitempty"`
	Legs           []SettlementLeg         `gorm:"serializer:json" json:"legs"`
	Timing         SettlementTiming        `gorm:"serializer:json" json:"timing"`
	FxRates        map[string]money.FxRate `gorm:"serializer:json" json:"fx_rates,omitempty"`
	Failure        *SettlementFailure      `gorm:"serializer:json" json:"failure,omitempty"`
	Metadata       map[string]string       `gorm:"serializer:json" json:"metadata,omitempty"`
}

// Transition moves the settlement to the next status, stamping the matching
// timing field. Transitions not in the adjacency table fail without side
// effect.
func (s *Settlement) Transition(next Status) error {
	if !CanTransition(s.Status, next) {
		return &InvalidTransitionError{From: s.Status, To: next}
	}

	s.Status = next
	now := time.Now().UTC()
	switch next {
	case StatusValidated:
		s.Timing.ValidatedAt = &now
	case StatusLocked:
		s.Timing.LockedAt = &now
	case StatusCommitted:
		s.Timing.CommittedAt = &now
	case StatusSettled:
		s.Timing.SettledAt = &now
	case StatusFailed, StatusRejected:
		s.Timing.FailedAt = &now
	}
	return nil
}

// Fail transitions to FAILED (or REJECTED when pre-lock) with a failure record.
func (s *Settlement) Fail(terminal Status, failure SettlementFailure) error {
	if err := s.Transition(terminal); err != nil {
		return err
	}
	failure.FailedAt = *s.Timing.FailedAt
	s.Failure = &failure
	return nil
}

// IsCrossCurrency reports whether any leg requires conversion.
func (s *Settlement) IsCrossCurrency() bool {
	for _, leg := range s.Legs {
		if leg.IsCrossCurrency() {
			return true
		}
	}
	return false
}

// TotalAmount sums all legs when they share a single currency. Mixed-currency
// settlements have no meaningful single total and return nil.
func (s *Settlement) TotalAmount() *money.Money {
	if len(s.Legs) == 0 {
		return nil
	}
	total := s.Legs[0].Amount
	for _, leg := range s.Legs[1:] {
		sum, err := total.Add(leg.Amount)
		if err != nil {
			return nil
		}
		total = sum
	}
	return &total
}

// DurationMs is the total settlement duration, available once settled.
func (s *Settlement) DurationMs() *int64 {
	return s.Timing.TotalDurationMs()
}

// ParticipantStatus values for the participant registry.
const (
	ParticipantActive    = "ACTIVE"
	ParticipantSuspended = "SUSPENDED"
	ParticipantOffline   = "OFFLINE"
)

// Participant is a registered settlement network member.
type Participant struct {
	gorm.Model    `json:"-"`
	ParticipantID string `gorm:"uniqueIndex" json:"participant_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
}

// IsActive reports whether the participant may take part in settlements.
func (p *Participant) IsActive() bool {
	return p.Status == ParticipantActive
}

// SettlementRequest is the client-facing request for a single-transfer
// settlement. The initiator is always the debtor.
type SettlementRequest struct {
	ToParticipant  string            `json:"to_participant" binding:"required"`
	ToAccount      string            `json:"to_account,omitempty"`
	FromAccount    string            `json:"from_account,omitempty"`
	Amount         string            `json:"amount" binding:"required"`
	Currency       string            `json:"currency" binding:"required"`
	Purpose        string            `json:"purpose,omitempty"`
	RemittanceInfo string            `json:"remittance_info,omitempty"`
	FxInstruction  *FxInstruction    `json:"fx_instruction,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LegRequest is one transfer step in a multi-leg settlement request.
type LegRequest struct {
	FromParticipant string         `json:"from_participant" binding:"required"`
	FromAccount     string         `json:"from_account,omitempty"`
	ToParticipant   string         `json:"to_participant" binding:"required"`
	ToAccount       string         `json:"to_account,omitempty"`
	Amount          string         `json:"amount" binding:"required"`
	Currency        string         `json:"currency" binding:"required"`
	FxInstruction   *FxInstruction `json:"fx_instruction,omitempty"`
}

// MultiSettlementRequest creates a settlement whose legs commit atomically:
// either every leg settles or none does.
type MultiSettlementRequest struct {
	Legs           []LegRequest      `json:"legs" binding:"required"`
	Purpose        string            `json:"purpose,omitempty"`
	RemittanceInfo string            `json:"remittance_info,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
