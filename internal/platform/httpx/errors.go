// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Machine readable problem codes shared by all handlers.
const (
	CodeValidation        = "VALIDATION"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyFinalized  = "ALREADY_FINALIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodePersistence       = "PERSISTENCE"
	CodeInternal          = "INTERNAL"
)

// ErrorMapping binds a domain sentinel error to a problem response.
type ErrorMapping struct {
	Target error
	Status int
	Title  string
	Code   string
}

// RespondError maps err to the first matching mapping using errors.Is and
// writes an RFC7807 response. Unmatched errors become a 500 without detail.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Target) {
			detail := err.Error()
			if m.Status >= http.StatusInternalServerError {
				detail = ""
			}
			CodedProblem(w, m.Status, m.Title, m.Code, detail)
			return
		}
	}
	CodedProblem(w, http.StatusInternalServerError, "Internal Error", CodeInternal, "")
}
