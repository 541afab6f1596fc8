package transfer

import (
	"errors"
	"fmt"
)

// Kind classifies a state machine failure. Anything that is not an *Error
// is a store failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// Error codes carried in HTTP error bodies.
const (
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
)

// Error is a client-visible failure: a kind, a stable code and a short
// description safe to return to the caller.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Description, e.Err)
	}
	return e.Description
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindValidation:
		return target == ErrValidation
	case KindNotFound:
		return target == ErrNotFound
	case KindConflict:
		return target == ErrConflict
	}
	return false
}

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeBadRequest, Description: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Description: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Description: fmt.Sprintf(format, args...)}
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
