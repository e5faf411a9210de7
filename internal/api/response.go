// Package api implements the controller's three HTTP surfaces on a single
// chi router: the scanner surface (upstream manager), the admin surface
// (operators, API-key authenticated), and the agent surface (bearer-token
// authenticated). Every non-2xx response uses one error envelope with an
// enumerated code, field details, and the request ID.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetscan-io/fleetscan/internal/dispatch"
	"github.com/fleetscan-io/fleetscan/internal/ingest"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/validation"
)

// maxBodySize is the request body limit, enforced before parsing.
const maxBodySize = 10 << 20 // 10 MB

// Error codes of the standard envelope.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// errorBody is the "error" object of the envelope.
type errorBody struct {
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Details   []validation.Issue `json:"details,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details []validation.Issue) {
	JSON(w, status, map[string]any{
		"error": errorBody{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: middleware.GetReqID(r.Context()),
		},
	})
}

// ErrUnauthorized writes a 401 envelope.
func ErrUnauthorized(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
}

// ErrForbidden writes a 403 envelope.
func ErrForbidden(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusForbidden, CodeForbidden, "insufficient permissions", nil)
}

// ErrNotFound writes a 404 envelope.
func ErrNotFound(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusNotFound, CodeNotFound, "resource not found", nil)
}

// ErrBadRequest writes a 400 envelope.
func ErrBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusBadRequest, CodeInvalidRequest, message, nil)
}

// ErrInternal writes a 500 envelope. The internal error detail is never
// exposed to the client.
func ErrInternal(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusInternalServerError, CodeInternalError, "an internal error occurred", nil)
}

// respondError maps a domain error onto the envelope. Handlers funnel every
// non-nil service error through here so the taxonomy stays consistent across
// surfaces.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		Error(w, r, http.StatusUnprocessableEntity, CodeValidationError, "validation failed", verr.Issues)
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w, r)
	case errors.Is(err, dispatch.ErrAlreadyFinalized):
		Error(w, r, http.StatusConflict, CodeConflict, "already_finalized", nil)
	case errors.Is(err, ingest.ErrJobNotActive):
		Error(w, r, http.StatusConflict, CodeConflict, "job is not accepting results", nil)
	case errors.Is(err, repositories.ErrStateConflict):
		Error(w, r, http.StatusConflict, CodeConflict, "operation conflicts with current state", nil)
	default:
		ErrInternal(w, r)
	}
}

// decodeJSON decodes the request body into dst, enforcing the body size
// limit. Returns false after writing a 400 envelope, so callers can
// early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, r, http.StatusBadRequest, CodeInvalidRequest, "request body exceeds 10 MB", nil)
			return false
		}
		ErrBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}
