package prescription

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when no prescription has the requested id.
	ErrNotFound = errors.New("prescription not found")
	// ErrConflict is returned when a concurrent write could not be resolved by retrying.
	ErrConflict = errors.New("concurrent prescription update conflict")
	// ErrUnavailable wraps failures to reach the store.
	ErrUnavailable = errors.New("prescription store unavailable")
)

// ValidationError lists every field that failed its constraints.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

func invalid(fields ...string) error {
	return &ValidationError{Fields: fields}
}
