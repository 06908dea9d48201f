package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowtrade/order-engine/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy to HTTP status codes and
// machine-readable error codes.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "invalid_body"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "not_found"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "idempotency_conflict"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "rate_limited"
	case errors.Is(err, domain.ErrQueueFull):
		code = http.StatusTooManyRequests
		codeStr = "queue_full"
	case errors.Is(err, domain.ErrServiceUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "service_unavailable"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
