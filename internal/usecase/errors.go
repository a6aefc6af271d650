package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded failure of the answer service. Reason is a stable
// snake_case tag safe to log and to return to callers.
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
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
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

// UserMessage is the text shown to the caller for a rejected request. Only
// input errors carry one.
func (e *Error) UserMessage() string {
	if e == nil || e.Code != ErrorInvalidInput {
		return ""
	}
	switch e.Reason {
	case "missing_prompt":
		return "Please provide prompt"
	case "missing_chat_id":
		return "Please provide Chat ID"
	case "prompt_too_long":
		return "Prompt is too long"
	}
	return ""
}
