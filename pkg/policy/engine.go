package policy

import (
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/toolgate-dev/toolgate/pkg/api"
)

// Body specificity classes, most specific first.
const (
	specExact    = 2
	specGlob     = 1
	specWildcard = 0
)

// rank orders matching rules: body specificity first, then whether the
// pattern names an explicit tool, then whether a scope constraint applied.
type rank struct {
	body  int
	kind  int
	scope int
}

func (r rank) beats(o rank) bool {
	if r.body != o.body {
		return r.body > o.body
	}
	if r.kind != o.kind {
		return r.kind > o.kind
	}
	return r.scope > o.scope
}

// severity orders decision kinds so ties at equal specificity resolve to
// the most restrictive rule.
func severity(k Kind) int {
	switch k {
	case Deny:
		return 2
	case Confirm:
		return 1
	default:
		return 0
	}
}

// Evaluate resolves an operation against a rule set. Pure function: the
// most specific matching rule decides, equal specificity resolves
// Deny > Confirm > Allow, and no matching rule falls back to confirmation,
// never to Allow. Among rules of equal rank and kind the earliest wins.
func Evaluate(op api.Operation, rules []Rule) Decision {
	var (
		matched  *Rule
		bestRank rank
	)

	for i := range rules {
		rule := &rules[i]
		r, ok := match(rule, op)
		if !ok {
			continue
		}
		switch {
		case matched == nil || r.beats(bestRank):
			matched, bestRank = rule, r
		case r == bestRank && severity(rule.Kind) > severity(matched.Kind):
			matched = rule
		}
	}

	if matched == nil {
		return Decision{
			Kind:   Confirm,
			Reason: "no rule matches",
			Prompt: Describe(op),
		}
	}

	d := Decision{Kind: matched.Kind, Rule: matched}
	switch matched.Kind {
	case Deny:
		d.Reason = "denied by rule " + strconv.Quote(matched.Pattern)
	case Confirm:
		d.Reason = "rule " + strconv.Quote(matched.Pattern) + " requires confirmation"
		d.Prompt = Describe(op)
	default:
		d.Reason = "allowed by rule " + strconv.Quote(matched.Pattern)
	}
	return d
}

// match reports whether a rule applies to the operation, and at what rank.
func match(rule *Rule, op api.Operation) (rank, bool) {
	kind, body := splitPattern(rule.Pattern)
	if kind != "" && kind != op.Kind() {
		return rank{}, false
	}
	if rule.Exact {
		if body != op.Primary() {
			return rank{}, false
		}
	} else if !matchGlob(body, op.Primary()) {
		return rank{}, false
	}
	if rule.Scope != "" {
		if rule.Exact {
			if rule.Scope != op.Scope() {
				return rank{}, false
			}
		} else if ok, err := doublestar.Match(rule.Scope, op.Scope()); err != nil || !ok {
			return rank{}, false
		}
	}

	r := rank{body: bodySpecificity(body, rule.Exact)}
	if kind != "" {
		r.kind = 1
	}
	if rule.Scope != "" {
		r.scope = 1
	}
	return r, true
}

func bodySpecificity(body string, exact bool) int {
	if exact || !strings.Contains(body, "*") {
		return specExact
	}
	if body == "*" {
		return specWildcard
	}
	return specGlob
}

// Describe renders an operation for confirmation prompts and rule listings.
func Describe(op api.Operation) string {
	var b strings.Builder
	b.WriteString(op.Kind())
	b.WriteString(" ")
	if op.Kind() == api.ToolShell {
		b.WriteString(strconv.Quote(op.Primary()))
	} else {
		b.WriteString(op.Primary())
	}
	if s := op.Scope(); s != "" {
		b.WriteString(" in ")
		b.WriteString(s)
	}
	return b.String()
}
