// Package api provides the shared HTTP plumbing for the CMP services:
// the error envelope, JSON response helpers, and request middleware.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes shared across services. Each maps to exactly one HTTP status.
const (
	CodeValidation          = "validation"
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeInsufficientCredits = "insufficient_credits"
	CodeConflict            = "conflict"
	CodeUpstream            = "upstream"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal"
)

// ErrorBody is the wire shape of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

// ErrorEnvelope wraps ErrorBody under the "error" key.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeConflict:
		return http.StatusConflict
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorCode writes the CMP error envelope for the given code.
// The trace id is taken from the request context (see TraceID).
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(code))
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorBody{
		Code:    code,
		Message: message,
		TraceID: TraceID(r.Context()),
	}})
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorCode(w, r, CodeValidation, message)
}

// WriteUnauthorized writes a 401 error.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteErrorCode(w, r, CodeUnauthenticated, message)
}

// WriteForbidden writes a 403 error.
func WriteForbidden(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "insufficient permissions"
	}
	WriteErrorCode(w, r, CodeForbidden, message)
}

// WriteNotFound writes a 404 error.
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorCode(w, r, CodeNotFound, message)
}

// WritePaymentRequired writes a 402 error (authorize denied by balance).
func WritePaymentRequired(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorCode(w, r, CodeInsufficientCredits, message)
}

// WriteConflict writes a 409 error.
func WriteConflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorCode(w, r, CodeConflict, message)
}

// WriteUpstream writes a 502 error for an exhausted downstream dependency.
func WriteUpstream(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorCode(w, r, CodeUpstream, message)
}

// WriteUnavailable writes a 503 error for a down external component.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorCode(w, r, CodeUnavailable, message)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", itoa(retryAfterSecs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorBody{
		Code:    "rate_limited",
		Message: "rate limit exceeded, retry after the specified interval",
		TraceID: TraceID(r.Context()),
	}})
}

// WriteInternal writes a 500. The error is logged with the trace id but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "trace_id", TraceID(r.Context()), "path", r.URL.Path)
	WriteErrorCode(w, r, CodeInternal, "an unexpected error occurred")
}

func itoa(n int) string {
	if n <= 0 {
		return "1"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
