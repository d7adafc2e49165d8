// errors.go defines the typed error surface every adapter must report through.
//
// Callers never parse venue error strings: adapters translate wire errors
// into an APIError with a Kind, and the executor/hedge layers branch on the
// kind via errors.As / ErrorKindOf.
package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for caller-side handling.
type ErrorKind string

const (
	ErrOrderNotFound    ErrorKind = "ORDER_NOT_FOUND"
	ErrAlreadyFilled    ErrorKind = "ALREADY_FILLED"
	ErrAlreadyCancelled ErrorKind = "ALREADY_CANCELLED"
	ErrRateLimited      ErrorKind = "RATE_LIMITED"
	ErrNetwork          ErrorKind = "NETWORK"
	ErrAuth             ErrorKind = "AUTH"
	ErrQtyBelowMin      ErrorKind = "QTY_BELOW_MIN"
	ErrPostOnlyReject   ErrorKind = "POST_ONLY_REJECT"
	ErrOther            ErrorKind = "OTHER"
)

// APIError is a classified venue error. Msg carries the venue's own text.
type APIError struct {
	Kind  ErrorKind
	Venue string
	Msg   string
	Cause error
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Kind)
}

func (e *APIError) Unwrap() error { return e.Cause }

// NewAPIError builds a classified error for a venue.
func NewAPIError(venue string, kind ErrorKind, msg string, cause error) *APIError {
	return &APIError{Kind: kind, Venue: venue, Msg: msg, Cause: cause}
}

// ErrorKindOf extracts the kind from err, or ErrOther for unclassified errors.
func ErrorKindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrOther
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return ErrorKindOf(err) == kind
}
