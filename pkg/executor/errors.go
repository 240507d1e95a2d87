package executor

import "errors"

var (
	ErrInvalidPhase      = errors.New("invalid call phase transition")
	ErrRouterRequired    = errors.New("capability router is required")
	ErrRulesRequired     = errors.New("rule log is required")
	ErrBrokerRequired    = errors.New("confirmation broker is required")
	ErrSnapshotsRequired = errors.New("snapshot manager is required")

	ErrFileExists     = errors.New("file already exists")
	ErrPatchNotFound  = errors.New("patch target not found")
	ErrPatchAmbiguous = errors.New("patch target is ambiguous")
	ErrShellExit      = errors.New("command exited nonzero")
	ErrFetchStatus    = errors.New("fetch returned retryable status")
)
