// Package api implements the HTTP REST layer. It uses Chi as the router and
// exposes all resources under /api/v1, plus the WebSocket endpoints for
// agents, terminal sessions, and UI event streams. Authentication is enforced
// via JWT middleware on all routes except login and the agent endpoint.
package api

import (
	"encoding/json"
	"net/http"
)

// apiError is the JSON body of every error response: a machine-readable error
// kind, a human-readable message, and optional structured details plus
// troubleshooting suggestions for commonly misconfigured conditions.
type apiError struct {
	Error       string   `json:"error"`
	Message     string   `json:"message"`
	Details     any      `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Err writes an error response with full control over the body.
func Err(w http.ResponseWriter, status int, kind, message string, details any, suggestions ...string) {
	JSON(w, status, apiError{
		Error:       kind,
		Message:     message,
		Details:     details,
		Suggestions: suggestions,
	})
}

// ErrBadRequest writes a 400 invalid_argument error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	Err(w, http.StatusBadRequest, "invalid_argument", message, nil)
}

// ErrUnauthorized writes a 401 unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	Err(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// ErrForbidden writes a 403 forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	Err(w, http.StatusForbidden, "forbidden", "insufficient permissions", nil)
}

// ErrNotFound writes a 404 not_found error response.
func ErrNotFound(w http.ResponseWriter, message string) {
	Err(w, http.StatusNotFound, "not_found", message, nil)
}

// ErrInternal writes a 500 internal error response. The internal error detail
// is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	Err(w, http.StatusInternalServerError, "internal", "an internal error occurred", nil)
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
