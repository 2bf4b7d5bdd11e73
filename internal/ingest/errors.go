package ingest

import (
	"errors"
	"fmt"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/alert"
)

var (
	ErrConsistency        = errors.New("database consistency error")
	ErrConflict           = errors.New("concurrent update conflict")
	ErrTransitionRejected = errors.New("status transition rejected")
	ErrStore              = errors.New("database error")
)

// Kind classifies workflow failures.
type Kind int

const (
	// Consistency: a query did not match exactly the expected number of rows.
	Consistency Kind = iota + 1
	// Conflict: a conditional update lost to a concurrent writer.
	Conflict
	// Rejected: the record exists but its state forbids the change.
	Rejected
	// Store: the database could not be reached or returned an error.
	Store
)

func (k Kind) sentinel() error {
	switch k {
	case Consistency:
		return ErrConsistency
	case Conflict:
		return ErrConflict
	case Rejected:
		return ErrTransitionRejected
	case Store:
		return ErrStore
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case Consistency:
		return "consistency"
	case Conflict:
		return "conflict"
	case Rejected:
		return "rejected"
	case Store:
		return "store"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a workflow failure. Msg is reported to the caller verbatim.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// alertCode returns the admin alert code for err. Only store and
// consistency failures are alerted.
func alertCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrConsistency):
		return alert.CodeDBConsistency, true
	case errors.Is(err, ErrStore):
		return alert.CodeDBError, true
	}
	return "", false
}
