package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultRetryMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, DefaultRequestsMax, cfg.Budget.RequestsMax)
	assert.Equal(t, DefaultSnapshotRetain, cfg.Snapshots.RetainPerPath)
}

func TestConfig_Merge(t *testing.T) {
	base := DefaultConfig()
	merged := base.Merge(&Config{
		Retry: &RetryConfig{MaxAttempts: 5},
		Budget: &BudgetConfig{
			RequestsMax: 3,
		},
		DataDir: "/tmp/gate",
	})

	assert.Equal(t, 5, merged.Retry.MaxAttempts)
	assert.Equal(t, DefaultRetryInitialBackoffMS, merged.Retry.InitialBackoffMS, "unset fields keep base values")
	assert.Equal(t, 3, merged.Budget.RequestsMax)
	assert.Equal(t, DefaultFailuresMaxPerTool, merged.Budget.FailuresMaxPerTool)
	assert.Equal(t, "/tmp/gate", merged.DataDir)

	// Base must not be mutated.
	assert.Equal(t, DefaultRetryMaxAttempts, base.Retry.MaxAttempts)
	assert.Equal(t, DefaultRequestsMax, base.Budget.RequestsMax)
}

func TestConfig_MergeNil(t *testing.T) {
	base := DefaultConfig()
	assert.Same(t, base, base.Merge(nil))
}

func TestConfig_TimeoutFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.DefaultSeconds = 30
	cfg.Timeouts.PerTool = map[string]int{ToolShell: 300}

	assert.Equal(t, 300*time.Second, cfg.TimeoutFor(ToolShell))
	assert.Equal(t, 30*time.Second, cfg.TimeoutFor(ToolFetch))

	var nilCfg *Config
	assert.Equal(t, DefaultTimeoutSeconds*time.Second, nilCfg.TimeoutFor(ToolShell))
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"retry": {"initial_backoff_ms": 500, "backoff_factor": 3, "max_attempts": 2},
		"budget": {"requests_max": 10},
		"snapshots": {"retain_per_path": 2}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Retry.InitialBackoffMS)
	assert.Equal(t, 3.0, cfg.Retry.BackoffFactor)
	assert.Equal(t, 10, cfg.Budget.RequestsMax)
	assert.Equal(t, 2, cfg.Snapshots.RetainPerPath)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{"retry":`},
		{"negative backoff", `{"retry": {"initial_backoff_ms": -1}}`},
		{"bad status code", `{"retry": {"retryable_status": [700]}}`},
		{"zero per-tool timeout", `{"timeouts": {"per_tool": {"shell": 0}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
