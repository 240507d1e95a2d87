// Package executor runs mediated tool calls through the full gate:
// capability check, policy evaluation, confirmation, turn budget,
// per-path locking, snapshot capture, and the tool runners.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/budget"
	"github.com/toolgate-dev/toolgate/pkg/capability"
	"github.com/toolgate-dev/toolgate/pkg/confirm"
	"github.com/toolgate-dev/toolgate/pkg/pathlock"
	"github.com/toolgate-dev/toolgate/pkg/policy"
	"github.com/toolgate-dev/toolgate/pkg/rules"
	"github.com/toolgate-dev/toolgate/pkg/snapshot"
)

type Options struct {
	Config *api.Config

	Router    *capability.Router
	Rules     *rules.Log
	Broker    *confirm.Broker
	Snapshots *snapshot.Manager

	// Store receives rules materialized from persistent confirmation
	// choices. Optional; without it Always* choices live only in the
	// session log and journal.
	Store *rules.Store
	// Journal receives session rules so a resumed session can replay
	// them. Optional.
	Journal *rules.Journal

	HTTPClient *http.Client
}

type Executor struct {
	cfg     *api.Config
	caps    *capability.Router
	log     *rules.Log
	store   *rules.Store
	journal *rules.Journal
	broker  *confirm.Broker
	snaps   *snapshot.Manager
	locks   *pathlock.Locker
	retrier *budget.Retrier
	client  *http.Client
}

func New(opts Options) (*Executor, error) {
	if opts.Router == nil {
		return nil, ErrRouterRequired
	}
	if opts.Rules == nil {
		return nil, ErrRulesRequired
	}
	if opts.Broker == nil {
		return nil, ErrBrokerRequired
	}
	if opts.Snapshots == nil {
		return nil, ErrSnapshotsRequired
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = api.DefaultConfig()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Executor{
		cfg:     cfg,
		caps:    opts.Router,
		log:     opts.Rules,
		store:   opts.Store,
		journal: opts.Journal,
		broker:  opts.Broker,
		snaps:   opts.Snapshots,
		locks:   pathlock.New(),
		retrier: budget.NewRetrier(cfg.Retry),
		client:  client,
	}, nil
}

// Execute runs one tool call through the gate and returns its outcome.
// The error is non-nil only when ctx is cancelled before an outcome is
// reached or an internal invariant fails; every denial, failure, and
// timeout is a structured Outcome the planner can act on.
func (e *Executor) Execute(ctx context.Context, call api.ToolCall, turn *budget.Turn) (api.Outcome, error) {
	st := &callState{phase: PhaseRequested}

	op, err := api.BuildOperation(call.ToolName, call.Arguments)
	if err != nil {
		return api.Outcome{Status: api.StatusFailed, Error: err.Error()}, nil
	}

	if err := st.advance(PhaseCapabilityChecked); err != nil {
		return api.Outcome{}, err
	}
	if !e.caps.Permitted(call.AgentID, call.ToolName) {
		if err := st.advance(PhaseReported); err != nil {
			return api.Outcome{}, err
		}
		return api.Outcome{
			Status: api.StatusCapabilityDenied,
			Reason: fmt.Sprintf("agent %q has no %s capability", call.AgentID, call.ToolName),
		}, nil
	}

	if outcome, proceed, err := e.authorize(ctx, st, op); err != nil || !proceed {
		return outcome, err
	}

	if outcome, proceed, err := e.checkBudget(ctx, st, call.ToolName, turn); err != nil || !proceed {
		return outcome, err
	}

	if err := st.advance(PhaseExecuting); err != nil {
		return api.Outcome{}, err
	}

	timeout := e.cfg.TimeoutFor(call.ToolName)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, runErr := e.executeOp(callCtx, op)

	switch {
	case runErr == nil:
		if err := st.report(PhaseSucceeded); err != nil {
			return api.Outcome{}, err
		}
		return api.Outcome{Status: api.StatusSucceeded, Result: result}, nil

	case ctx.Err() != nil:
		// User abort: no outcome, no failure tally.
		return api.Outcome{}, ctx.Err()

	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		if turn != nil {
			turn.RecordFailure(call.ToolName)
		}
		if err := st.report(PhaseTimedOut); err != nil {
			return api.Outcome{}, err
		}
		return api.Outcome{
			Status: api.StatusTimedOut,
			Reason: fmt.Sprintf("exceeded %s execution timeout", timeout),
			Result: result,
		}, nil

	default:
		if turn != nil {
			turn.RecordFailure(call.ToolName)
		}
		if err := st.report(PhaseFailed); err != nil {
			return api.Outcome{}, err
		}
		return api.Outcome{Status: api.StatusFailed, Error: runErr.Error(), Result: result}, nil
	}
}

// authorize evaluates policy for op, prompting through the broker until
// the decision settles. proceed is false when the returned outcome is
// final.
func (e *Executor) authorize(ctx context.Context, st *callState, op api.Operation) (outcome api.Outcome, proceed bool, err error) {
	var resolved *confirm.Resolution

	for {
		if err := st.advance(PhasePolicyEvaluated); err != nil {
			return api.Outcome{}, false, err
		}
		d := policy.Evaluate(op, e.log.View())

		if d.Kind == policy.Confirm && resolved != nil {
			// The caller already answered for this call; never re-prompt.
			if resolved.Choice.Allows() {
				d = policy.Decision{Kind: policy.Allow, Reason: "allowed by confirmation"}
			} else {
				d = policy.Decision{Kind: policy.Deny, Reason: "denied by confirmation"}
			}
		}

		switch d.Kind {
		case policy.Allow:
			return api.Outcome{}, true, nil

		case policy.Deny:
			if err := st.report(PhaseDenied); err != nil {
				return api.Outcome{}, false, err
			}
			return api.Outcome{Status: api.StatusDenied, Reason: d.Reason}, false, nil
		}

		if err := st.advance(PhaseAwaitingConfirmation); err != nil {
			return api.Outcome{}, false, err
		}
		prompt := d.Prompt
		if prompt == "" {
			prompt = policy.Describe(op)
		}
		p := e.broker.Post(prompt, op.Fingerprint())
		res, werr := e.broker.Wait(ctx, p.ID)
		if werr != nil {
			if errors.Is(werr, context.DeadlineExceeded) {
				if err := st.advance(PhaseReported); err != nil {
					return api.Outcome{}, false, err
				}
				return api.Outcome{
					Status:   api.StatusAwaitingConfirmation,
					PromptID: p.ID,
					Reason:   "confirmation was not resolved in time",
				}, false, nil
			}
			return api.Outcome{}, false, werr
		}
		resolved = &res

		if res.Choice.Remembers() {
			if err := e.rememberRule(res, op); err != nil {
				return api.Outcome{Status: api.StatusFailed, Error: err.Error()}, false, nil
			}
			continue
		}

		if res.Choice.Allows() {
			return api.Outcome{}, true, nil
		}
		if err := st.report(PhaseDenied); err != nil {
			return api.Outcome{}, false, err
		}
		return api.Outcome{Status: api.StatusDenied, Reason: "denied once by user"}, false, nil
	}
}

// rememberRule materializes a persistent confirmation choice as an
// exact-signature rule: always in the session log, in the store when the
// resolution asks for persistence, otherwise in the session journal.
func (e *Executor) rememberRule(res confirm.Resolution, op api.Operation) error {
	kind := policy.Deny
	if res.Choice.Allows() {
		kind = policy.Allow
	}
	r := policy.ExactRule(kind, op)

	entry, err := e.log.Append(rules.OriginConfirmation, r)
	if err != nil {
		return err
	}
	if res.Persist && e.store != nil {
		return e.store.Append(r)
	}
	if e.journal != nil {
		return e.journal.Record(entry)
	}
	return nil
}

// checkBudget enforces the per-tool failure cutoff and the request
// window checkpoint. A nil turn skips budget accounting entirely.
func (e *Executor) checkBudget(ctx context.Context, st *callState, tool string, turn *budget.Turn) (outcome api.Outcome, proceed bool, err error) {
	if err := st.advance(PhaseBudgetChecked); err != nil {
		return api.Outcome{}, false, err
	}
	if turn == nil {
		return api.Outcome{}, true, nil
	}

	if turn.Disabled(tool) {
		if err := st.advance(PhaseReported); err != nil {
			return api.Outcome{}, false, err
		}
		return api.Outcome{
			Status: api.StatusToolDisabled,
			Reason: fmt.Sprintf("%s disabled after repeated failures this turn", tool),
		}, false, nil
	}

	if turn.RegisterRequest() {
		status := turn.Status()
		prompt := fmt.Sprintf("turn %s has issued %d tool calls; continue?", turn.ID(), status.RequestsUsed)
		res, werr := e.broker.Ask(ctx, prompt, "turn:"+turn.ID())
		if werr != nil {
			if errors.Is(werr, context.DeadlineExceeded) {
				if err := st.advance(PhaseReported); err != nil {
					return api.Outcome{}, false, err
				}
				return api.Outcome{Status: api.StatusBudgetExhausted, Reason: "continuation not granted"}, false, nil
			}
			return api.Outcome{}, false, werr
		}
		if !res.Choice.Allows() {
			if err := st.advance(PhaseReported); err != nil {
				return api.Outcome{}, false, err
			}
			return api.Outcome{Status: api.StatusBudgetExhausted, Reason: "continuation declined"}, false, nil
		}
		turn.Extend()
	}
	return api.Outcome{}, true, nil
}

// executeOp runs the operation, bracketing mutations with the per-path
// lock and a snapshot that is committed only when the mutation succeeds.
func (e *Executor) executeOp(ctx context.Context, op api.Operation) (*api.ToolResult, error) {
	if !op.Mutates() {
		return e.dispatch(ctx, op)
	}

	release, err := e.locks.Acquire(ctx, op.TargetPath())
	if err != nil {
		return nil, err
	}
	defer release()

	h, err := e.snaps.BeforeMutate(op.TargetPath())
	if err != nil {
		return nil, err
	}

	res, err := e.dispatch(ctx, op)
	if err != nil {
		if derr := e.snaps.Discard(h); derr != nil {
			return res, errors.Join(err, derr)
		}
		return res, err
	}
	if err := e.snaps.Commit(h); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Executor) dispatch(ctx context.Context, op api.Operation) (*api.ToolResult, error) {
	start := time.Now()

	var (
		res *api.ToolResult
		err error
	)
	switch v := op.(type) {
	case api.FetchOp:
		res, err = e.runFetch(ctx, v)
	case api.ShellOp:
		res, err = e.runShell(ctx, v)
	case api.WriteFileOp:
		res, err = e.runWriteFile(v)
	case api.PatchFileOp:
		res, err = e.runPatchFile(v)
	case api.ReadFileOp:
		res, err = e.runReadFile(v)
	default:
		return nil, errx.With(api.ErrUnknownTool, " %q", op.Kind())
	}

	if res != nil {
		res.DurationMS = time.Since(start).Milliseconds()
	}
	return res, err
}
