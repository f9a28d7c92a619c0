package backend

import "fmt"

// ErrForbidden means the backend rejected an otherwise-valid identity
// (account suspended, email not provisioned, insufficient privilege).
// Reason is surfaced to the user verbatim. Always terminal for the session.
type ErrForbidden struct {
	Reason string
}

func (e ErrForbidden) Error() string { return e.Reason }

// ErrServer covers 5xx responses. Transient; the caller fails closed and the
// user retries manually.
type ErrServer struct {
	StatusCode int
}

func (e ErrServer) Error() string {
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// ParseError means a response decoded but a required field was missing or
// zero. Responses are never padded with defaults: a garbage but valid-looking
// profile is worse than a loud failure.
type ParseError struct {
	Field string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("malformed backend response: missing %s", e.Field)
}
