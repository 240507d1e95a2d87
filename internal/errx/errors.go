// Package errx wraps sentinel errors with context while keeping them
// matchable via errors.Is.
package errx

import "fmt"

// Wrap chains err under sentinel: "sentinel: err".
// Both remain visible to errors.Is / errors.As.
func Wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With appends a formatted detail to sentinel. The format should begin
// with a separator (" " or ": ") and may itself contain %w verbs.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
