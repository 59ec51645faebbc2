package types

import "fmt"

// Status is a settlement lifecycle state.
type Status string

const (
	StatusInitiated     Status = "INITIATED"
	StatusValidated     Status = "VALIDATED"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusLocking       Status = "LOCKING"
	StatusLocked        Status = "LOCKED"
	StatusCommitting    Status = "COMMITTING"
	StatusCommitted     Status = "COMMITTED"
	StatusSettled       Status = "SETTLED"
	StatusRejected      Status = "REJECTED"
	StatusFailed        Status = "FAILED"
)

// validTransitions is the adjacency table for the settlement state machine.
// A transition absent from this table is rejected and has no side effect.
var validTransitions = map[Status][]Status{
	StatusInitiated:     {StatusValidated, StatusRejected},
	StatusValidated:     {StatusLocking, StatusPendingReview, StatusRejected},
	StatusPendingReview: {StatusLocking, StatusRejected},
	StatusLocking:       {StatusLocked, StatusFailed},
	StatusLocked:        {StatusCommitting, StatusFailed},
	StatusCommitting:    {StatusCommitted, StatusFailed},
	StatusCommitted:     {StatusSettled},
	StatusSettled:       {},
	StatusRejected:      {},
	StatusFailed:        {},
}

// IsFinal reports whether a status is terminal.
func IsFinal(s Status) bool {
	return s == StatusSettled || s == StatusRejected || s == StatusFailed
}

// IsSuccess reports whether a status is the successful terminal state.
func IsSuccess(s Status) bool {
	return s == StatusSettled
}

// CanTransition reports whether from -> to appears in the adjacency table.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the legal successor states for a status.
func ValidTransitions(s Status) []Status {
	return validTransitions[s]
}

// InvalidTransitionError reports an attempted transition not present in the
// adjacency table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid settlement state transition from %s to %s", e.From, e.To)
}
