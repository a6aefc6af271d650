// Package dispatch sends prompts to the answering service and returns the
// answer, over either a request/response HTTP endpoint or a push channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"sybil-chat/internal/domain"
)

// Dispatcher is implemented by both transports.
type Dispatcher interface {
	// Submit sends req and blocks until its answer arrives, ctx is done, or
	// the transport gives up.
	Submit(ctx context.Context, req domain.PendingRequest, creds domain.Credentials) (domain.Answer, error)
	// Close releases the transport. It is safe to call more than once.
	Close() error
}

var (
	ErrChannelClosed = errors.New("dispatch: push channel closed")
	ErrAnswerTimeout = errors.New("dispatch: timed out waiting for answer")
)

// HTTPStatusError is a non-2xx reply from the answer endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dispatch: answer endpoint returned %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// RejectedError is an error frame returned by the push gateway.
type RejectedError struct {
	RequestID string
	Message   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("dispatch: request %s rejected: %s", e.RequestID, e.Message)
}
