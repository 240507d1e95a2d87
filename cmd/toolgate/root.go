package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toolgate-dev/toolgate/pkg/api"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Execution gate for autonomous coding agents",
	Long: `toolgate mediates every side-effectful tool call an agent issues:
policy rules decide allow/deny/confirm, file mutations are snapshotted
for undo, and per-turn budgets stop runaway loops.

Run 'toolgate serve' to expose the gate over JSON-RPC on stdio, or
'toolgate call' for a one-shot mediated call from the shell.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and translates errors into process exit
// codes. exitCodeError exits silently with its code; anything else
// prints and exits 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.toolgate/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for the rule store, snapshots, and session journal (default: ~/.toolgate)")
	rootCmd.PersistentFlags().String("agents", "", "Agent capabilities YAML file")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("agents_file", rootCmd.PersistentFlags().Lookup("agents"))
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(api.DefaultDataDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("TOOLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env still apply.
	viper.ReadInConfig()
}

// loadConfig layers the config file, environment, and flags over the
// defaults into one validated Config.
func loadConfig() (*api.Config, error) {
	overlay := &api.Config{
		Retry: &api.RetryConfig{
			InitialBackoffMS: viper.GetInt("retry.initial_backoff_ms"),
			BackoffFactor:    viper.GetFloat64("retry.backoff_factor"),
			MaxAttempts:      viper.GetInt("retry.max_attempts"),
		},
		Timeouts: &api.TimeoutConfig{
			DefaultSeconds: viper.GetInt("timeouts.default_seconds"),
			PerTool:        intMap(viper.GetStringMap("timeouts.per_tool")),
		},
		Budget: &api.BudgetConfig{
			RequestsMax:        viper.GetInt("budget.requests_max"),
			FailuresMaxPerTool: viper.GetInt("budget.failures_max_per_tool"),
		},
		Snapshots: &api.SnapshotConfig{
			RetainPerPath: viper.GetInt("snapshots.retain_per_path"),
		},
		Limits: &api.LimitConfig{
			FetchBodyMaxBytes:   viper.GetInt64("limits.fetch_body_max_bytes"),
			ShellOutputMaxBytes: viper.GetInt64("limits.shell_output_max_bytes"),
		},
		DataDir:    viper.GetString("data_dir"),
		AgentsFile: viper.GetString("agents_file"),
	}
	// GetIntSlice returns a non-nil empty slice for a missing key, which
	// Merge would take as an override clearing the default set.
	if s := viper.GetIntSlice("retry.retryable_status"); len(s) > 0 {
		overlay.Retry.RetryableStatus = s
	}

	cfg := api.DefaultConfig().Merge(overlay)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// intMap converts a viper string map to per-tool integer settings. YAML
// decodes numbers as int; JSON config files produce float64.
func intMap(m map[string]any) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = n
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

// contextWithSignal returns a context cancelled on SIGINT or SIGTERM.
func contextWithSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
