// Package rules keeps the policy rule set: an append-only in-memory log
// with a materialized view for evaluation, a SQLite store for persisted
// rules, and a CBOR session journal that lets a resumed session rebuild
// the same view.
package rules

import (
	"sync"

	"github.com/toolgate-dev/toolgate/pkg/policy"
)

// Origin records where a rule entered the log.
type Origin string

const (
	OriginConfig       Origin = "config"
	OriginStore        Origin = "store"
	OriginConfirmation Origin = "confirmation"
	OriginUser         Origin = "user"
)

// Entry is one appended rule with its provenance.
type Entry struct {
	Seq    uint64      `json:"seq"`
	Origin Origin      `json:"origin"`
	Rule   policy.Rule `json:"rule"`
}

// Log is an append-only rule log. Evaluations read View(), a snapshot
// that later appends never mutate.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	view    []policy.Rule
}

func NewLog() *Log {
	return &Log{}
}

// Append validates the rule and adds it to the log, rebuilding the
// materialized view. Previously returned views are unaffected.
func (l *Log) Append(origin Origin, r policy.Rule) (Entry, error) {
	if err := r.Validate(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{Seq: uint64(len(l.entries)) + 1, Origin: origin, Rule: r}
	l.entries = append(l.entries, e)

	view := make([]policy.Rule, 0, len(l.view)+1)
	view = append(view, l.view...)
	view = append(view, r)
	l.view = view

	return e, nil
}

// View returns the current rule set for one evaluation. The slice is
// never mutated after publication, so callers may hold it across the
// whole decision without copying.
func (l *Log) View() []policy.Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.view
}

// Entries returns a copy of the log with provenance, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
