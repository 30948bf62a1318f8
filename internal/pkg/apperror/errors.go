package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodePrecondition      ErrorCode = "PRECONDITION_FAILED"
	ErrCodeExternal          ErrorCode = "EXTERNAL_FAILURE"
	ErrCodeExternalRetryable ErrorCode = "EXTERNAL_RETRYABLE"
	ErrCodeReadOnly          ErrorCode = "READ_ONLY"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
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

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodePrecondition:
		return http.StatusConflict
	case ErrCodeExternal, ErrCodeExternalRetryable:
		return http.StatusBadGateway
	case ErrCodeReadOnly:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As извлекает *AppError из цепочки ошибок.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func is(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool     { return is(err, ErrCodeNotFound) }
func IsUnauthorized(err error) bool { return is(err, ErrCodeUnauthorized) }
func IsForbidden(err error) bool    { return is(err, ErrCodeForbidden) }
func IsConflict(err error) bool     { return is(err, ErrCodeConflict) }
func IsValidation(err error) bool   { return is(err, ErrCodeValidation) }
func IsPrecondition(err error) bool { return is(err, ErrCodePrecondition) }

// IsRetryable сообщает, можно ли повторить внешнюю операцию позже.
func IsRetryable(err error) bool { return is(err, ErrCodeExternalRetryable) }

var (
	ErrTaskNotFound        = New(ErrCodeNotFound, "task not found")
	ErrApplicationNotFound = New(ErrCodeNotFound, "application not found")
	ErrDisputeNotFound     = New(ErrCodeNotFound, "dispute not found")
	ErrUserNotFound        = New(ErrCodeNotFound, "user not found")
	ErrChatNotFound        = New(ErrCodeNotFound, "chat not found")
	ErrUnauthorized        = New(ErrCodeUnauthorized, "authentication required")
	ErrForbidden           = New(ErrCodeForbidden, "insufficient permissions")
	ErrInvalidCredentials  = New(ErrCodeUnauthorized, "invalid credentials")
	ErrTaskAlreadyTaken    = New(ErrCodeConflict, "task already taken")
	ErrReadOnly            = New(ErrCodeReadOnly, "service is in read-only mode")
)
