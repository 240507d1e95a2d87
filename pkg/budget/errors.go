package budget

import "errors"

var (
	// ErrTransient marks a failure the retrier may try again; runners wrap
	// retryable conditions with Transient.
	ErrTransient = errors.New("transient failure")
)
