package types

import "fmt"

// Stable error codes surfaced to callers.
const (
	CodeConnectionError     = "CONNECTION_ERROR"
	CodeAuthenticationError = "AUTHENTICATION_ERROR"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeSettlementError     = "SETTLEMENT_ERROR"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeParticipantOffline  = "PARTICIPANT_OFFLINE"
	CodeLockTimeout         = "LOCK_TIMEOUT"
	CodeTimeout             = "TIMEOUT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeCoordinatorBusy     = "COORDINATOR_BUSY"
)

// Failure codes recorded on a failed or rejected settlement.
const (
	FailureInsufficientFunds  = "INSUFFICIENT_FUNDS"
	FailureLockTimeout        = "LOCK_TIMEOUT"
	FailureParticipantOffline = "PARTICIPANT_OFFLINE"
	FailureFxRateExpired      = "FX_RATE_EXPIRED"
	FailureComplianceRejected = "COMPLIANCE_REJECTED"
	FailureInvalidRequest     = "INVALID_REQUEST"
	FailureCoordinatorError   = "COORDINATOR_ERROR"
)

// Error is a coded error returned across the coordinator's API boundary.
// Code is stable and machine-checkable; Retryable tells the caller whether
// the same request may be resubmitted, with an optional delay hint.
type Error struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Retryable    bool              `json:"retryable"`
	RetryAfterMs int               `json:"retry_after_ms,omitempty"`
	Field        string            `json:"field,omitempty"`
	SettlementID string            `json:"settlement_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a non-retryable validation failure for a field.
func NewValidationError(field, message string) *Error {
	return &Error{
		Code:    CodeValidationError,
		Message: message,
		Field:   field,
	}
}

// NewInsufficientFundsError carries required vs. available for diagnostics.
func NewInsufficientFundsError(required, available string) *Error {
	return &Error{
		Code:    CodeInsufficientFunds,
		Message: fmt.Sprintf("insufficient funds: required %s, available %s", required, available),
		Details: map[string]string{
			"required":  required,
			"available": available,
		},
	}
}

// NewLockTimeoutError reports lock acquisition exceeding the configured deadline.
func NewLockTimeoutError(settlementID string) *Error {
	return &Error{
		Code:         CodeLockTimeout,
		Message:      fmt.Sprintf("lock acquisition timed out for settlement %s", settlementID),
		SettlementID: settlementID,
	}
}

// NewParticipantOfflineError reports settlement against an unavailable participant.
func NewParticipantOfflineError(participantID string) *Error {
	return &Error{
		Code:    CodeParticipantOffline,
		Message: fmt.Sprintf("participant %s is offline", participantID),
		Details: map[string]string{"participant_id": participantID},
	}
}

// NewTimeoutError reports that the caller's wait expired; the settlement
// continues server-side and the same idempotency key may be retried safely.
func NewTimeoutError(operation string, timeoutMs int) *Error {
	return &Error{
		Code:         CodeTimeout,
		Message:      fmt.Sprintf("%s timed out after %dms", operation, timeoutMs),
		Retryable:    true,
		RetryAfterMs: 1000,
	}
}

// NewRateLimitedError signals backpressure with a retry delay.
func NewRateLimitedError(retryAfterMs int) *Error {
	return &Error{
		Code:         CodeRateLimited,
		Message:      fmt.Sprintf("rate limited, retry after %dms", retryAfterMs),
		Retryable:    true,
		RetryAfterMs: retryAfterMs,
	}
}

// NewCoordinatorBusyError signals overload with a retry delay.
func NewCoordinatorBusyError(retryAfterMs int) *Error {
	return &Error{
		Code:         CodeCoordinatorBusy,
		Message:      fmt.Sprintf("coordinator busy, retry after %dms", retryAfterMs),
		Retryable:    true,
		RetryAfterMs: retryAfterMs,
	}
}
