package session

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrorUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrorStore           ErrorCode = "STORE_ERROR"
	ErrorDispatch        ErrorCode = "DISPATCH_ERROR"
	ErrorCancelled       ErrorCode = "CANCELLED"
	ErrorSessionClosed   ErrorCode = "SESSION_CLOSED"
)

var (
	ErrEmptyPrompt     = errors.New("session: prompt is empty")
	ErrUnauthenticated = errors.New("session: caller is not authenticated")
	ErrNoConversation  = errors.New("session: no conversation mounted")
	ErrClosed          = errors.New("session: coordinator is closed")
	ErrSwitched        = errors.New("session: conversation switched during submission")
)

// Error is a coded submission failure. Reason is a stable snake_case tag.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("session: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("session: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
