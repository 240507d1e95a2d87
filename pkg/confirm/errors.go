package confirm

import "errors"

var (
	ErrUnknownPrompt = errors.New("unknown prompt")
	ErrInvalidChoice = errors.New("invalid confirmation choice")
)
