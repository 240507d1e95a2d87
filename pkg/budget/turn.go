// Package budget stops a runaway agent: per-turn request windows with
// cooperative continuation checkpoints, per-tool failure counters that
// disable a repeatedly failing tool, and retry/backoff for transient
// failures.
package budget

import (
	"sort"
	"sync"
)

// Turn tracks one conversation turn's spend. A zero max disables the
// corresponding limit. Turns are never shared across conversations and are
// discarded at turn end.
type Turn struct {
	id          string
	maxRequests int
	maxFailures int

	mu       sync.Mutex
	used     int
	window   int
	failures map[string]int
}

func NewTurn(id string, maxRequests, maxFailuresPerTool int) *Turn {
	return &Turn{
		id:          id,
		maxRequests: maxRequests,
		maxFailures: maxFailuresPerTool,
		window:      maxRequests,
		failures:    make(map[string]int),
	}
}

func (t *Turn) ID() string {
	return t.id
}

// RegisterRequest counts a call against the turn window and reports whether
// the continuation checkpoint is due before the call may execute.
func (t *Turn) RegisterRequest() (checkpoint bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.used++
	return t.maxRequests > 0 && t.used > t.window
}

// Extend widens the window by one more allotment after the user approves a
// continuation checkpoint.
func (t *Turn) Extend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window += t.maxRequests
}

// RecordFailure charges a failed execution or timeout against the tool.
// Policy denials are never recorded here.
func (t *Turn) RecordFailure(tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[tool]++
}

// Disabled reports whether the tool has burned its failure budget for the
// remainder of the turn.
func (t *Turn) Disabled(tool string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxFailures > 0 && t.failures[tool] >= t.maxFailures
}

// Status is a point-in-time copy of the turn's counters.
type Status struct {
	TurnID       string         `json:"turn_id"`
	RequestsUsed int            `json:"requests_used"`
	RequestsMax  int            `json:"requests_max"`
	Failures     map[string]int `json:"failures,omitempty"`
	Disabled     []string       `json:"disabled,omitempty"`
}

func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		TurnID:       t.id,
		RequestsUsed: t.used,
		RequestsMax:  t.window,
	}
	if len(t.failures) > 0 {
		st.Failures = make(map[string]int, len(t.failures))
	}
	for tool, n := range t.failures {
		st.Failures[tool] = n
		if t.maxFailures > 0 && n >= t.maxFailures {
			st.Disabled = append(st.Disabled, tool)
		}
	}
	sort.Strings(st.Disabled)
	return st
}
