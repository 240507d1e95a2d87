package executor

import (
	"github.com/toolgate-dev/toolgate/internal/errx"
)

// Phase is the orchestration stage of one mediated call.
type Phase string

const (
	PhaseRequested            Phase = "requested"
	PhaseCapabilityChecked    Phase = "capability_checked"
	PhasePolicyEvaluated      Phase = "policy_evaluated"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseDenied               Phase = "denied"
	PhaseBudgetChecked        Phase = "budget_checked"
	PhaseExecuting            Phase = "executing"
	PhaseSucceeded            Phase = "succeeded"
	PhaseFailed               Phase = "failed"
	PhaseTimedOut             Phase = "timed_out"
	PhaseReported             Phase = "reported"
)

var allowedTransitions = map[Phase]map[Phase]bool{
	PhaseRequested: {
		PhaseCapabilityChecked: true,
	},
	PhaseCapabilityChecked: {
		PhasePolicyEvaluated: true,
		PhaseReported:        true,
	},
	PhasePolicyEvaluated: {
		PhaseDenied:               true,
		PhaseAwaitingConfirmation: true,
		PhaseBudgetChecked:        true,
	},
	PhaseAwaitingConfirmation: {
		PhasePolicyEvaluated: true,
		PhaseBudgetChecked:   true,
		PhaseDenied:          true,
		PhaseReported:        true,
	},
	PhaseDenied: {
		PhaseReported: true,
	},
	PhaseBudgetChecked: {
		PhaseExecuting: true,
		PhaseReported:  true,
	},
	PhaseExecuting: {
		PhaseSucceeded: true,
		PhaseFailed:    true,
		PhaseTimedOut:  true,
	},
	PhaseSucceeded: {
		PhaseReported: true,
	},
	PhaseFailed: {
		PhaseReported: true,
	},
	PhaseTimedOut: {
		PhaseReported: true,
	},
	PhaseReported: {},
}

func validateTransition(from, to Phase) error {
	if from == "" {
		from = PhaseRequested
	}
	if to == "" {
		return errx.With(ErrInvalidPhase, " empty target phase from %q", from)
	}
	allowed := allowedTransitions[from]
	if len(allowed) == 0 || !allowed[to] {
		return errx.With(ErrInvalidPhase, " %q -> %q", from, to)
	}
	return nil
}

// callState tracks one call through the orchestration machine.
type callState struct {
	phase Phase
}

func (s *callState) advance(to Phase) error {
	if err := validateTransition(s.phase, to); err != nil {
		return err
	}
	s.phase = to
	return nil
}

// report advances through a terminal phase into reported.
func (s *callState) report(terminal Phase) error {
	if err := s.advance(terminal); err != nil {
		return err
	}
	return s.advance(PhaseReported)
}
