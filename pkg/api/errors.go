package api

import "errors"

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrToolSchema       = errors.New("reflect tool schema")

	// Outcome taxonomy. These surface to the planner as structured outcomes,
	// never as crashes; the executor maps them onto Outcome statuses.
	ErrPolicyDenied        = errors.New("operation denied by policy")
	ErrCapabilityDenied    = errors.New("tool not available to this agent")
	ErrConfirmationPending = errors.New("operation awaiting confirmation")
	ErrTimeout             = errors.New("operation timed out")
	ErrRetryExhausted      = errors.New("retry attempts exhausted")
	ErrTerminalFailure     = errors.New("terminal execution failure")
	ErrToolDisabled        = errors.New("tool disabled for this turn")
	ErrBudgetExhausted     = errors.New("turn budget exhausted")
)
