// Package api exposes the bus over HTTP: message submission, agent
// registration, deliberation callbacks, and operational endpoints.
// All error responses use RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request for log correlation.
	TraceID string `json:"trace_id,omitempty"`
	// Violations carries policy rule identifiers on denial responses.
	Violations []string `json:"violations,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://acgs.io/agentbus/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	if problem.TraceID == "" {
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBusError maps a pipeline rejection to its HTTP representation.
// The error kind becomes the problem title; violations and the typed
// detail text pass through to the caller.
func WriteBusError(w http.ResponseWriter, r *http.Request, err error) {
	kind := contracts.KindOf(err)
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://acgs.io/agentbus/errors/%s", kind),
		Title:    string(kind),
		Status:   statusFor(kind),
		Instance: r.URL.Path,
	}
	var be *contracts.BusError
	if errors.As(err, &be) {
		problem.Detail = be.Message
		problem.Violations = be.Violations
	} else {
		// Never expose internal error text to the client.
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		problem.Detail = "An unexpected error occurred. Please try again later."
	}
	if kind == contracts.ErrBackpressure {
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, problem)
}

func statusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.ErrMessageMalformed:
		return http.StatusBadRequest
	case contracts.ErrConstitutionalHashMismatch,
		contracts.ErrRoleViolation,
		contracts.ErrPolicyDenied:
		return http.StatusForbidden
	case contracts.ErrBackpressure:
		return http.StatusTooManyRequests
	case contracts.ErrPolicyUnavailable, contracts.ErrBreakerOpen:
		return http.StatusServiceUnavailable
	case contracts.ErrCancelled, contracts.ErrScoreTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}
