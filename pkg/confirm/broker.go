// Package confirm parks tool calls that need a human decision and
// routes the answers back. A prompt suspends only the operation that
// raised it; other calls proceed independently.
package confirm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-dev/toolgate/internal/errx"
)

// Choice is an answer to a confirmation prompt.
type Choice string

const (
	AllowOnce   Choice = "allow_once"
	DenyOnce    Choice = "deny_once"
	AlwaysAllow Choice = "always_allow"
	AlwaysDeny  Choice = "always_deny"
)

// Allows reports whether the choice permits the pending operation.
func (c Choice) Allows() bool {
	return c == AllowOnce || c == AlwaysAllow
}

// Remembers reports whether the choice should be materialized as a rule
// so equivalent operations skip the prompt.
func (c Choice) Remembers() bool {
	return c == AlwaysAllow || c == AlwaysDeny
}

func (c Choice) valid() bool {
	switch c {
	case AllowOnce, DenyOnce, AlwaysAllow, AlwaysDeny:
		return true
	}
	return false
}

// ParseChoice converts wire input into a Choice.
func ParseChoice(s string) (Choice, error) {
	c := Choice(s)
	if !c.valid() {
		return "", errx.With(ErrInvalidChoice, " %q", s)
	}
	return c, nil
}

// Resolution is the full answer to a prompt. Persist asks for the
// materialized rule to outlive the session.
type Resolution struct {
	Choice  Choice `json:"choice"`
	Persist bool   `json:"persist,omitempty"`
}

// Prompt describes one pending confirmation.
type Prompt struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Fingerprint string    `json:"fingerprint"`
	AskedAt     time.Time `json:"asked_at"`
}

type pendingPrompt struct {
	prompt Prompt
	ch     chan Resolution
}

// Broker hands out prompt ids and matches resolutions to waiters.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	notify  func(Prompt)
}

func NewBroker() *Broker {
	return &Broker{pending: map[string]*pendingPrompt{}}
}

// SetNotifier registers a callback invoked once per new prompt. The
// callback runs on the asking goroutine and must not block.
func (b *Broker) SetNotifier(fn func(Prompt)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// Post registers a prompt and announces it to the notifier. The caller
// follows up with Wait to collect the answer.
func (b *Broker) Post(prompt, fingerprint string) Prompt {
	p := &pendingPrompt{
		prompt: Prompt{
			ID:          uuid.NewString(),
			Prompt:      prompt,
			Fingerprint: fingerprint,
			AskedAt:     time.Now().UTC(),
		},
		ch: make(chan Resolution, 1),
	}

	b.mu.Lock()
	b.pending[p.prompt.ID] = p
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify(p.prompt)
	}
	return p.prompt
}

// Wait blocks until the prompt is resolved or ctx is done. An abandoned
// prompt is withdrawn; a later Resolve for it reports ErrUnknownPrompt.
func (b *Broker) Wait(ctx context.Context, id string) (Resolution, error) {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return Resolution{}, errx.With(ErrUnknownPrompt, " %q", id)
	}

	select {
	case res := <-p.ch:
		return res, nil
	case <-ctx.Done():
		b.withdraw(id)
		return Resolution{}, ctx.Err()
	}
}

// Ask posts a prompt and waits for its resolution in one step.
func (b *Broker) Ask(ctx context.Context, prompt, fingerprint string) (Resolution, error) {
	p := b.Post(prompt, fingerprint)
	return b.Wait(ctx, p.ID)
}

// Resolve answers a pending prompt and wakes its waiter.
func (b *Broker) Resolve(id string, res Resolution) error {
	if !res.Choice.valid() {
		return errx.With(ErrInvalidChoice, " %q", string(res.Choice))
	}

	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return errx.With(ErrUnknownPrompt, " %q", id)
	}

	p.ch <- res
	return nil
}

// Pending lists unresolved prompts, oldest first.
func (b *Broker) Pending() []Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Prompt, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.prompt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AskedAt.Equal(out[j].AskedAt) {
			return out[i].AskedAt.Before(out[j].AskedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *Broker) withdraw(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
