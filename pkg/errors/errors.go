package errors

import (
	stderrors "errors"
	"fmt"
)

const (
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNetwork           = "NETWORK_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeHTTP              = "HTTP_ERROR"
	ErrCodeEmptyResult       = "EMPTY_RESULT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeBusy              = "BUSY"
	ErrCodeBackend           = "BACKEND_ERROR"
	ErrCodeStorage           = "STORAGE_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeNotFound          = "NOT_FOUND"
)

type AppError struct {
	Code    string
	Message string
	// Status is the HTTP status for ErrCodeHTTP, zero otherwise.
	Status int
	Cause  error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// HTTP builds an ErrCodeHTTP error for a rejected response.
func HTTP(status int, message string) *AppError {
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", status)
	}
	return &AppError{
		Code:    ErrCodeHTTP,
		Message: message,
		Status:  status,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code string) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or ErrCodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// StatusOf returns the HTTP status carried by an ErrCodeHTTP error.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// UserMessage is the text shown to a user for err. Cancellation is not an
// error from the user's point of view and yields "".
func UserMessage(err error) string {
	if err == nil || Is(err, ErrCodeCancelled) {
		return ""
	}
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return err.Error()
	}
	switch appErr.Code {
	case ErrCodeEmptyResult:
		return "AI produced no content, please refine your input and try again"
	case ErrCodeTimeout:
		return "the request timed out, please try again"
	case ErrCodeNetwork:
		return "network error, please check your connection and try again"
	}
	return appErr.Message
}
