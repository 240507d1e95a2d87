package budget

import (
	"context"
	"errors"
	"time"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
)

// Retrier runs transient-failure-prone calls with exponential backoff.
// Sleep is injectable so tests observe delays instead of waiting them out.
type Retrier struct {
	InitialBackoff time.Duration
	Factor         float64
	MaxAttempts    int
	Sleep          func(ctx context.Context, d time.Duration) error
}

func NewRetrier(cfg *api.RetryConfig) *Retrier {
	r := &Retrier{
		InitialBackoff: api.DefaultRetryInitialBackoffMS * time.Millisecond,
		Factor:         api.DefaultRetryBackoffFactor,
		MaxAttempts:    api.DefaultRetryMaxAttempts,
	}
	if cfg == nil {
		return r
	}
	if cfg.InitialBackoffMS > 0 {
		r.InitialBackoff = time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	}
	if cfg.BackoffFactor >= 1 {
		r.Factor = cfg.BackoffFactor
	}
	if cfg.MaxAttempts > 0 {
		r.MaxAttempts = cfg.MaxAttempts
	}
	return r
}

// Transient marks err as retryable. Do retries only marked errors.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errx.Wrap(ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Do runs fn, retrying while it fails transient. Exhausted attempts wrap
// the last error in api.ErrRetryExhausted; a non-transient error surfaces
// immediately; a context error during backoff surfaces as-is so the caller
// can distinguish cancellation from tool failure.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := r.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * r.Factor)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return errx.Wrap(api.ErrRetryExhausted, lastErr)
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
