package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// apiError mirrors the Anthropic error envelope so clients see one error
// shape whether the failure happened here or upstream.
type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(status int, msg string) apiError {
	e := apiError{Type: "error"}
	e.Error.Type = errorType(status)
	e.Error.Message = msg
	return e
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrKeyInactive):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrSpendLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, relay.ErrNoCandidates), errors.Is(err, relay.ErrExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse(status, msg))
}
