package api

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/toolgate-dev/toolgate/internal/errx"
)

const (
	DefaultRetryInitialBackoffMS = 1000
	DefaultRetryBackoffFactor    = 2.0
	DefaultRetryMaxAttempts      = 3
	DefaultTimeoutSeconds        = 120
	DefaultRequestsMax           = 25
	DefaultFailuresMaxPerTool    = 3
	DefaultSnapshotRetain        = 5
	DefaultFetchBodyMaxBytes     = 10 * 1024 * 1024
	DefaultShellOutputMaxBytes   = 10 * 1024 * 1024
)

type Config struct {
	Retry     *RetryConfig    `json:"retry,omitempty"`
	Timeouts  *TimeoutConfig  `json:"timeouts,omitempty"`
	Budget    *BudgetConfig   `json:"budget,omitempty"`
	Snapshots *SnapshotConfig `json:"snapshots,omitempty"`
	Limits    *LimitConfig    `json:"limits,omitempty"`

	// DataDir holds the rule store, snapshot index, blob store, and session
	// journal. Defaults to ~/.toolgate.
	DataDir string `json:"data_dir,omitempty"`
	// AgentsFile is the YAML file defining per-agent tool capabilities.
	AgentsFile string `json:"agents_file,omitempty"`
}

type RetryConfig struct {
	InitialBackoffMS int     `json:"initial_backoff_ms,omitempty" validate:"omitempty,gte=0"`
	BackoffFactor    float64 `json:"backoff_factor,omitempty" validate:"omitempty,gte=1"`
	MaxAttempts      int     `json:"max_attempts,omitempty" validate:"omitempty,gte=1"`
	RetryableStatus  []int   `json:"retryable_status,omitempty" validate:"dive,gte=100,lt=600"`
}

type TimeoutConfig struct {
	// DefaultSeconds bounds each tool call's wall clock, retries included.
	DefaultSeconds int `json:"default_seconds,omitempty" validate:"omitempty,gte=1"`
	// PerTool overrides the default for specific tools, in seconds.
	PerTool map[string]int `json:"per_tool,omitempty" validate:"dive,gte=1"`
}

type BudgetConfig struct {
	RequestsMax        int `json:"requests_max,omitempty" validate:"omitempty,gte=1"`
	FailuresMaxPerTool int `json:"failures_max_per_tool,omitempty" validate:"omitempty,gte=1"`
}

type SnapshotConfig struct {
	// RetainPerPath bounds the undo stack per file; the oldest snapshot is
	// evicted when a new one would exceed it.
	RetainPerPath int `json:"retain_per_path,omitempty" validate:"omitempty,gte=1"`
}

type LimitConfig struct {
	FetchBodyMaxBytes   int64 `json:"fetch_body_max_bytes,omitempty" validate:"omitempty,gte=1"`
	ShellOutputMaxBytes int64 `json:"shell_output_max_bytes,omitempty" validate:"omitempty,gte=1"`
}

func DefaultConfig() *Config {
	return &Config{
		Retry: &RetryConfig{
			InitialBackoffMS: DefaultRetryInitialBackoffMS,
			BackoffFactor:    DefaultRetryBackoffFactor,
			MaxAttempts:      DefaultRetryMaxAttempts,
			RetryableStatus:  []int{429, 502, 503, 504},
		},
		Timeouts: &TimeoutConfig{
			DefaultSeconds: DefaultTimeoutSeconds,
		},
		Budget: &BudgetConfig{
			RequestsMax:        DefaultRequestsMax,
			FailuresMaxPerTool: DefaultFailuresMaxPerTool,
		},
		Snapshots: &SnapshotConfig{
			RetainPerPath: DefaultSnapshotRetain,
		},
		Limits: &LimitConfig{
			FetchBodyMaxBytes:   DefaultFetchBodyMaxBytes,
			ShellOutputMaxBytes: DefaultShellOutputMaxBytes,
		},
	}
}

// DefaultDataDir returns ~/.toolgate, falling back to a relative directory
// when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(home, ".toolgate")
}

// GetDataDir returns the configured data directory or the default.
func (c *Config) GetDataDir() string {
	if c != nil && c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// TimeoutFor returns the execution timeout for a tool, honoring per-tool
// overrides.
func (c *Config) TimeoutFor(tool string) time.Duration {
	seconds := DefaultTimeoutSeconds
	if c != nil && c.Timeouts != nil {
		if c.Timeouts.DefaultSeconds > 0 {
			seconds = c.Timeouts.DefaultSeconds
		}
		if s, ok := c.Timeouts.PerTool[tool]; ok && s > 0 {
			seconds = s
		}
	}
	return time.Duration(seconds) * time.Second
}

// Merge overlays other onto c, field by field, returning a new Config.
// Zero values in other leave c's values in place.
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c
	if other.Retry != nil {
		if result.Retry == nil {
			result.Retry = &RetryConfig{}
		}
		merged := *result.Retry
		if other.Retry.InitialBackoffMS > 0 {
			merged.InitialBackoffMS = other.Retry.InitialBackoffMS
		}
		if other.Retry.BackoffFactor > 0 {
			merged.BackoffFactor = other.Retry.BackoffFactor
		}
		if other.Retry.MaxAttempts > 0 {
			merged.MaxAttempts = other.Retry.MaxAttempts
		}
		if other.Retry.RetryableStatus != nil {
			merged.RetryableStatus = other.Retry.RetryableStatus
		}
		result.Retry = &merged
	}
	if other.Timeouts != nil {
		if result.Timeouts == nil {
			result.Timeouts = &TimeoutConfig{}
		}
		merged := *result.Timeouts
		if other.Timeouts.DefaultSeconds > 0 {
			merged.DefaultSeconds = other.Timeouts.DefaultSeconds
		}
		if other.Timeouts.PerTool != nil {
			merged.PerTool = other.Timeouts.PerTool
		}
		result.Timeouts = &merged
	}
	if other.Budget != nil {
		if result.Budget == nil {
			result.Budget = &BudgetConfig{}
		}
		merged := *result.Budget
		if other.Budget.RequestsMax > 0 {
			merged.RequestsMax = other.Budget.RequestsMax
		}
		if other.Budget.FailuresMaxPerTool > 0 {
			merged.FailuresMaxPerTool = other.Budget.FailuresMaxPerTool
		}
		result.Budget = &merged
	}
	if other.Snapshots != nil {
		if result.Snapshots == nil {
			result.Snapshots = &SnapshotConfig{}
		}
		merged := *result.Snapshots
		if other.Snapshots.RetainPerPath > 0 {
			merged.RetainPerPath = other.Snapshots.RetainPerPath
		}
		result.Snapshots = &merged
	}
	if other.Limits != nil {
		if result.Limits == nil {
			result.Limits = &LimitConfig{}
		}
		merged := *result.Limits
		if other.Limits.FetchBodyMaxBytes > 0 {
			merged.FetchBodyMaxBytes = other.Limits.FetchBodyMaxBytes
		}
		if other.Limits.ShellOutputMaxBytes > 0 {
			merged.ShellOutputMaxBytes = other.Limits.ShellOutputMaxBytes
		}
		result.Limits = &merged
	}
	if other.DataDir != "" {
		result.DataDir = other.DataDir
	}
	if other.AgentsFile != "" {
		result.AgentsFile = other.AgentsFile
	}
	return &result
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return errx.Wrap(ErrInvalidConfig, err)
	}
	return nil
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errx.Wrap(ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
