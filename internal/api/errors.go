package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cairnfs/cairnfs/internal/authz"
	"github.com/cairnfs/cairnfs/internal/identity"
	"github.com/cairnfs/cairnfs/internal/password"
	"github.com/cairnfs/cairnfs/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeNoWork         = "no_work"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeConflict writes a 409 error response.
func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps domain sentinel errors to HTTP responses. Caller
// errors get typed codes with no internal detail; everything else is a
// generic internal failure (the handler has already logged the cause).
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, session.ErrInvalidHash),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired):
		writeUnauthorized(w, "invalid or expired session")
	case errors.Is(err, session.ErrSessionUnauthenticated),
		errors.Is(err, session.ErrSessionUnverified):
		writeUnauthorized(w, "login incomplete")
	case errors.Is(err, session.ErrNoCredentialPending):
		writeConflict(w, "no credential step pending")
	case errors.Is(err, password.ErrInvalidPassword),
		errors.Is(err, session.ErrInvalidTotp):
		writeUnauthorized(w, "invalid credentials")
	case errors.Is(err, password.ErrPasswordNotFound):
		writeConflict(w, "no password set")
	case errors.Is(err, authz.ErrPermissionDenied):
		writeForbidden(w, "permission denied")
	case errors.Is(err, identity.ErrUserNotFound):
		writeNotFound(w, "user not found")
	case errors.Is(err, authz.ErrRoleNotFound):
		writeNotFound(w, "role not found")
	case errors.Is(err, authz.ErrGroupNotFound):
		writeNotFound(w, "group not found")
	case errors.Is(err, identity.ErrAlreadyExists),
		errors.Is(err, authz.ErrAlreadyExists):
		writeConflict(w, "already exists")
	case errors.Is(err, authz.ErrNoWork):
		writeError(w, http.StatusConflict, ErrCodeNoWork, "nothing to change")
	case errors.Is(err, authz.ErrInvalidScope),
		errors.Is(err, authz.ErrInvalidAbility):
		writeBadRequest(w, "unknown scope or ability")
	default:
		writeInternalError(w, "internal server error")
	}
}
