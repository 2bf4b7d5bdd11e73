package validate

import (
	"errors"
	"fmt"
)

// ErrValidation matches every field validation failure, including date parse
// failures, through errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError is a bad, missing or unrecognized request field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DateParseError is a value that does not match the expected date format.
// Key is set for timestamps inside the metrics payload.
type DateParseError struct {
	Field  string
	Key    string
	Value  string
	Format string
}

func (e *DateParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("incorrect format for metrics key %s, expected %s", e.Key, e.Format)
	}
	return fmt.Sprintf("date %s not valid, expected format %s", e.Value, e.Format)
}

func (e *DateParseError) Unwrap() error { return ErrValidation }

func invalid(f Field, format string, args ...any) error {
	return &ValidationError{Field: string(f), Msg: fmt.Sprintf(format, args...)}
}
