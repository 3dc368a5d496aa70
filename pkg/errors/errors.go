package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"ticksettle/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodePaymentDeclined    ErrorCode = "PAYMENT_DECLINED"
	ErrCodeLedgerInvariant    ErrorCode = "LEDGER_INVARIANT"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps a ledger or orchestrator error to its HTTP representation.
// Errors that are already AppErrors pass through unchanged.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	code, status := classifyDomain(err)
	message := err.Error()
	if status == http.StatusInternalServerError && code == ErrCodeInternal {
		message = "internal server error"
	}
	return WrapError(err, code, message, status).
		WithContext("class", domain.Classify(err).String())
}

func classifyDomain(err error) (ErrorCode, int) {
	switch {
	case stderrors.Is(err, domain.ErrStreamNotFound),
		stderrors.Is(err, domain.ErrEngagementNotFound),
		stderrors.Is(err, domain.ErrCreatorNotFound),
		stderrors.Is(err, domain.ErrNotFound):
		return ErrCodeNotFound, http.StatusNotFound
	case stderrors.Is(err, domain.ErrUnauthorized):
		return ErrCodeForbidden, http.StatusForbidden
	case stderrors.Is(err, domain.ErrRateLimited):
		return ErrCodeRateLimit, http.StatusTooManyRequests
	case stderrors.Is(err, domain.ErrStreamExists),
		stderrors.Is(err, domain.ErrDuplicateWindow),
		stderrors.Is(err, domain.ErrDuplicateReference),
		stderrors.Is(err, domain.ErrStaleWatermark),
		stderrors.Is(err, domain.ErrVersionConflict):
		return ErrCodeConflict, http.StatusConflict
	case stderrors.Is(err, domain.ErrSubmissionTimeout):
		return ErrCodeServiceUnavailable, http.StatusServiceUnavailable
	}

	switch domain.Classify(err) {
	case domain.ClassAuthorization:
		return ErrCodeInvalidInput, http.StatusBadRequest
	case domain.ClassEconomic:
		return ErrCodePaymentDeclined, http.StatusPaymentRequired
	case domain.ClassInvariant:
		return ErrCodeLedgerInvariant, http.StatusInternalServerError
	default:
		return ErrCodeInternal, http.StatusInternalServerError
	}
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
