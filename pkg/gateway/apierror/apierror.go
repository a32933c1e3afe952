// Package apierror maps internal failures to the JSON error envelope the
// gateway's HTTP surface returns.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/gateway/live/protocol"
)

type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Param     string `json:"param,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      "api_error",
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      "api_error",
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      "invalid_request_error",
			Message:   decodeErr.Message,
			Code:      decodeErr.Code,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	var backendErr *backend.Error
	if errors.As(err, &backendErr) && backendErr != nil {
		return &Error{
			Type:      string(backendErr.Type),
			Message:   backendErr.Message,
			RequestID: requestID,
		}, statusFromType(backendErr.Type)
	}

	// Unknown errors: do not leak details by default.
	return &Error{
		Type:      "api_error",
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t backend.ErrorType) int {
	switch t {
	case backend.ErrInvalidRequest:
		return http.StatusBadRequest
	case backend.ErrRateLimit:
		return http.StatusTooManyRequests
	case backend.ErrUnavailable:
		return http.StatusBadGateway
	case backend.ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
