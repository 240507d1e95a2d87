package policy

import "errors"

var (
	ErrInvalidRule = errors.New("invalid rule")
)
