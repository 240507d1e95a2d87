package policy

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
)

// Kind classifies what a matching rule decides.
type Kind string

const (
	Allow   Kind = "allow"
	Deny    Kind = "deny"
	Confirm Kind = "confirm"
)

// Rule maps an operation pattern to a decision kind. Pattern is
// "<tool>:<body>" where the body globs over the operation's primary field
// (URL, command, or path); a pattern whose prefix is not a known tool name
// applies to every kind, so bare URLs parse as bodies despite their colons.
// Scope, when set, constrains the operation's working directory with
// doublestar path globs. Exact rules compare body and scope literally; the
// confirmation flow materializes them so a remembered choice never matches
// more than the operation the user saw.
type Rule struct {
	Kind      Kind      `json:"kind"`
	Pattern   string    `json:"pattern"`
	Scope     string    `json:"scope,omitempty"`
	Exact     bool      `json:"exact,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ExactRule builds the rule a resolved AlwaysAllow/AlwaysDeny confirmation
// materializes. It matches only operations carrying the observed signature.
func ExactRule(kind Kind, op api.Operation) Rule {
	return Rule{
		Kind:      kind,
		Pattern:   op.Kind() + ":" + op.Primary(),
		Scope:     op.Scope(),
		Exact:     true,
		CreatedAt: time.Now().UTC(),
	}
}

func (r Rule) Validate() error {
	switch r.Kind {
	case Allow, Deny, Confirm:
	default:
		return errx.With(ErrInvalidRule, " unknown kind %q", r.Kind)
	}
	if _, body := splitPattern(r.Pattern); body == "" {
		return errx.With(ErrInvalidRule, " empty pattern body in %q", r.Pattern)
	}
	if r.Scope != "" && !doublestar.ValidatePattern(r.Scope) {
		return errx.With(ErrInvalidRule, " bad scope pattern %q", r.Scope)
	}
	return nil
}

// Decision is the outcome of evaluating one operation against the rule
// set. Kind Confirm carries the prompt to put to the user; Rule is the
// matched rule, nil when the fail-closed default applied.
type Decision struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
	Prompt string `json:"prompt,omitempty"`
	Rule   *Rule  `json:"rule,omitempty"`
}
