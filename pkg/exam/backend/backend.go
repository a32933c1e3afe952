// Package backend defines the external collaborators the orchestrator talks
// to: the conversation backend that produces assistant turns and the scoring
// engine that grades a finished transcript.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/vivavoce/viva/pkg/exam/types"
)

// Request is one conversation backend invocation.
type Request struct {
	SessionID    string
	Tier         types.Tier
	Instructions string
	History      []types.Turn
}

// Response is the backend's reply for one assistant turn. Audio is optional;
// text is always present on success.
type Response struct {
	Text  string
	Audio []byte
}

// Conversation produces assistant turns. Implementations may fail
// transiently; callers own the retry policy.
type Conversation interface {
	Converse(ctx context.Context, req Request) (Response, error)
}

// Assessment is the scoring engine's result for a completed session.
type Assessment struct {
	OverallBand float64
	Feedback    string
}

// Scorer grades a full immutable transcript, invoked once at completion.
type Scorer interface {
	Score(ctx context.Context, sessionID string, transcript []types.Turn) (Assessment, error)
}

// ErrorType categorizes backend failures.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrUnavailable    ErrorType = "unavailable_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
)

// Error is a typed backend error carrying retryability.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrUnavailable, ErrRateLimit, ErrAPI:
		return true
	default:
		return false
	}
}

// NewUnavailableError wraps a transient backend failure.
func NewUnavailableError(message string, cause error) *Error {
	return &Error{Type: ErrUnavailable, Message: message, Cause: cause}
}

// NewInvalidRequestError wraps a request the backend rejected outright.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// Retryable reports whether err is a transient backend failure worth another
// attempt.
func Retryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.IsRetryable()
	}
	return false
}
