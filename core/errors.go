package core

import "github.com/pkg/errors"

// FieldError attaches an error message to a named request field.
type FieldError struct {
	Field string
	Error string
}

// ValidationError carries per-field messages alongside the underlying error
// so the API layer can render a field→message map.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// shutdownError signals an integrity problem the server cannot recover from
// in place; the HTTP error handler turns it into a graceful shutdown.
type shutdownError struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdownError{message: msg}
}

func (s shutdownError) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdownError)
	return ok
}
