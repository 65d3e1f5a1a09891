package server

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/warden/pkg/models"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://warden.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://warden.dev/problems/bad-request"
	ProblemTypeInternal     = "https://warden.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://warden.dev/problems/unauthorized"
	ProblemTypeForbidden    = "https://warden.dev/problems/forbidden"
	ProblemTypeRateLimited  = "https://warden.dev/problems/rate-limited"
	ProblemTypeConflict     = "https://warden.dev/problems/conflict"
	ProblemTypeUnavailable  = "https://warden.dev/problems/unavailable"
	ProblemTypeTimeout      = "https://warden.dev/problems/timeout"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem = models.APIProblem

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// problemFor writes a problem whose type is derived from status.
func problemFor(w http.ResponseWriter, status int, detail, instance string) {
	typ := ProblemTypeInternal
	switch status {
	case http.StatusNotFound:
		typ = ProblemTypeNotFound
	case http.StatusBadRequest:
		typ = ProblemTypeBadRequest
	case http.StatusUnauthorized:
		typ = ProblemTypeUnauthorized
	case http.StatusForbidden:
		typ = ProblemTypeForbidden
	case http.StatusTooManyRequests:
		typ = ProblemTypeRateLimited
	case http.StatusConflict:
		typ = ProblemTypeConflict
	case http.StatusServiceUnavailable:
		typ = ProblemTypeUnavailable
	case http.StatusGatewayTimeout:
		typ = ProblemTypeTimeout
	}
	WriteProblem(w, Problem{
		Type:     typ,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	problemFor(w, http.StatusNotFound, detail, instance)
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	problemFor(w, http.StatusBadRequest, detail, instance)
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	problemFor(w, http.StatusUnauthorized, detail, instance)
}

// Forbidden writes a 403 problem response.
func Forbidden(w http.ResponseWriter, detail, instance string) {
	problemFor(w, http.StatusForbidden, detail, instance)
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	problemFor(w, http.StatusInternalServerError, detail, instance)
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	problemFor(w, http.StatusTooManyRequests, detail, instance)
}
