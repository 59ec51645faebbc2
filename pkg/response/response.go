package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/exhazordinary/atomicsettle/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response. Retryable and RetryAfterMs tell the
// caller whether and when a retry can succeed.
type Error struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Retryable    bool              `json:"retryable"`
	RetryAfterMs int64             `json:"retry_after_ms,omitempty"`
	Field        string            `json:"field,omitempty"`
	SettlementID string            `json:"settlement_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// httpStatus maps error codes to status codes.
func httpStatus(code string) int {
	switch code {
	case types.CodeValidationError:
		return http.StatusBadRequest
	case types.CodeAuthenticationError:
		return http.StatusUnauthorized
	case types.CodeInsufficientFunds, types.CodeSettlementError:
		return http.StatusUnprocessableEntity
	case types.CodeLockTimeout:
		return http.StatusConflict
	case types.CodeParticipantOffline, types.CodeCoordinatorBusy:
		return http.StatusServiceUnavailable
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Handle processes the error and returns the appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var typed *types.Error
	switch {
	case errors.As(err, &typed):
		c.JSON(httpStatus(typed.Code), Response{
			Success: false,
			Error: &Error{
				Code:         typed.Code,
				Message:      typed.Message,
				Retryable:    typed.Retryable,
				RetryAfterMs: int64(typed.RetryAfterMs),
				Field:        typed.Field,
				SettlementID: typed.SettlementID,
				Details:      typed.Details,
			},
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "resource already exists")
	default:
		InternalError(c, "an unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// Accepted sends a 202 for work still in flight.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    types.CodeValidationError,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    types.CodeValidationError,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    types.CodeAuthenticationError,
			Message: message,
		},
	})
}

// TooManyRequests sends a 429 with a retry hint.
func TooManyRequests(c *gin.Context, message string, retryAfterMs int64) {
	c.JSON(http.StatusTooManyRequests, Response{
		Success: false,
		Error: &Error{
			Code:         types.CodeRateLimited,
			Message:      message,
			Retryable:    true,
			RetryAfterMs: retryAfterMs,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    types.CodeValidationError,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    types.CodeSettlementError,
			Message: message,
		},
	})
}
