package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthRejected  = errors.New("authentication rejected")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrForbidden     = errors.New("forbidden")
	ErrBadRequest    = errors.New("bad request")
	ErrChatNotActive = fmt.Errorf("%w: chat not active", ErrInvalidState)
)

// Error codes carried by the error event.
const (
	ErrCodeAuthRejected  = "AUTH_REJECTED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInvalidState  = "INVALID_STATE"
	ErrCodeChatNotActive = "CHAT_NOT_ACTIVE"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorCode classifies err into the code reported to the initiating connection.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrChatNotActive):
		return ErrCodeChatNotActive
	case errors.Is(err, ErrInvalidState):
		return ErrCodeInvalidState
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrForbidden):
		return ErrCodeForbidden
	case errors.Is(err, ErrAuthRejected):
		return ErrCodeAuthRejected
	case errors.Is(err, ErrBadRequest):
		return ErrCodeBadRequest
	default:
		return ErrCodeInternalError
	}
}

func NewErrorPayload(err error) ErrorPayload {
	code := ErrorCode(err)
	msg := err.Error()
	if code == ErrCodeInternalError {
		msg = "internal error"
	}
	return ErrorPayload{Code: code, Message: msg}
}
