package executor

import (
	"context"
	"io"
	"net/http"
	"slices"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/budget"
)

// runFetch performs an HTTP GET under the retry policy. Network errors
// and responses in the configured retryable status set count as
// transient; any other completed response is a success the planner
// inspects by status code.
func (e *Executor) runFetch(ctx context.Context, op api.FetchOp) (*api.ToolResult, error) {
	var out *api.FetchResult

	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.URL, nil)
		if err != nil {
			return errx.Wrap(api.ErrTerminalFailure, err)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return budget.Transient(err)
		}
		defer resp.Body.Close()

		if e.retryableStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, resp.Body)
			return budget.Transient(errx.With(ErrFetchStatus, " %d", resp.StatusCode))
		}

		body, truncated, err := readCapped(resp.Body, e.limits().FetchBodyMaxBytes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return budget.Transient(err)
		}

		out = &api.FetchResult{StatusCode: resp.StatusCode, Body: body, Truncated: truncated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &api.ToolResult{Fetch: out}, nil
}

func (e *Executor) retryableStatus(code int) bool {
	if e.cfg == nil || e.cfg.Retry == nil {
		return false
	}
	return slices.Contains(e.cfg.Retry.RetryableStatus, code)
}

func (e *Executor) limits() *api.LimitConfig {
	if e.cfg != nil && e.cfg.Limits != nil {
		return e.cfg.Limits
	}
	return &api.LimitConfig{}
}

// readCapped reads at most limit bytes, reporting whether the source had
// more. A non-positive limit reads everything.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return data, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
