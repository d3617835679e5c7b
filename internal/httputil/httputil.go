// Package httputil provides shared JSON response helpers used by both the
// executor and manager HTTP servers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/workspace/agentctl/internal/apierr"
)

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response failed", "error", err)
	}
}

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error   apierr.Code `json:"error"`
	Message string      `json:"message,omitempty"`
}

// WriteError writes a {"error": code, "message": msg} body with the given
// HTTP status.
func WriteError(w http.ResponseWriter, status int, code apierr.Code, message string) {
	WriteJSON(w, status, ErrorBody{Error: code, Message: message})
}

// StatusForCode maps an apierr.Code to the HTTP status it is conventionally
// surfaced with across this module's servers.
func StatusForCode(code apierr.Code) int {
	switch code {
	case apierr.Unauthorized:
		return http.StatusUnauthorized
	case apierr.Forbidden:
		return http.StatusForbidden
	case apierr.Validation:
		return http.StatusBadRequest
	case apierr.NotFound, apierr.SessionNotFound:
		return http.StatusNotFound
	case apierr.MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case apierr.CapacityExceeded:
		return http.StatusTooManyRequests
	case apierr.NoCapacity, apierr.ProvisionerUnhealthy:
		return http.StatusServiceUnavailable
	case apierr.SpawnFailed:
		return http.StatusTooManyRequests
	case apierr.ProtocolUnsupportedFeature, apierr.ProtocolIncompatible:
		return http.StatusConflict
	case apierr.IllegalTransition:
		return http.StatusConflict
	case apierr.IO, apierr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
