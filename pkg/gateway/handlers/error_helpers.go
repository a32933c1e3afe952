package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vivavoce/viva/pkg/gateway/apierror"
)

func writeErrorJSON(w http.ResponseWriter, status int, apiErr *apierror.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: apiErr})
}

func apiError(errType, message, requestID string) *apierror.Error {
	return &apierror.Error{Type: errType, Message: message, RequestID: requestID}
}
