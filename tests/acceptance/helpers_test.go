//go:build acceptance

package acceptance

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/client"
)

const closeTimeout = 10 * time.Second

func toolgateConfig(t *testing.T) client.Config {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

// launchGate starts a gate on a fresh data directory and tears it down with
// the test. Mutators run against the config before the process starts.
func launchGate(t *testing.T, mutate ...func(*client.Config)) *client.Client {
	t.Helper()
	cfg := toolgateConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	gate, err := client.New(cfg)
	require.NoError(t, err, "New")

	t.Cleanup(func() {
		gate.Close(closeTimeout)
	})
	return gate
}

// allowEverything adds a session-wide allow rule so calls run without
// prompting.
func allowEverything(t *testing.T, gate *client.Client) {
	t.Helper()
	_, err := gate.AddRule(client.RuleSpec{Kind: "allow", OperationPattern: "*"})
	require.NoError(t, err, "AddRule")
}

// callTool marshals args and runs one tool call to its outcome.
func callTool(t *testing.T, gate *client.Client, turnID, tool string, args any) *api.Outcome {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoErrorf(t, err, "marshal %s args", tool)

	outcome, err := gate.CallTool(context.Background(), api.ToolCall{
		ToolName:  tool,
		Arguments: raw,
		TurnID:    turnID,
	})
	require.NoErrorf(t, err, "CallTool %s", tool)
	return outcome
}

func toolgateBin(t *testing.T) string {
	t.Helper()
	if bin := os.Getenv("TOOLGATE_BIN"); bin != "" {
		return bin
	}
	return "toolgate"
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	bin := toolgateBin(t)
	cmd := exec.Command(bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			require.NoError(t, err, "failed to run %s %v", bin, args)
		}
	}
	return stdout.String(), stderr.String(), exitCode
}

// runCLIWithTimeout runs the CLI with a timeout and returns stdout, stderr, exit code.
func runCLIWithTimeout(t *testing.T, timeout time.Duration, args ...string) (string, string, int) {
	return runCLIEnvWithTimeout(t, timeout, nil, args...)
}

// runCLIEnvWithTimeout runs the CLI with optional env and a timeout and returns stdout, stderr, exit code.
func runCLIEnvWithTimeout(t *testing.T, timeout time.Duration, env []string, args ...string) (string, string, int) {
	t.Helper()
	bin := toolgateBin(t)
	cmd := exec.Command(bin, args...)
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	require.NoError(t, cmd.Start(), "failed to start %s %v", bin, args)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
		return stdout.String(), stderr.String(), exitCode
	case <-time.After(timeout):
		cmd.Process.Kill()
		require.Fail(t, "command timed out", "%s %v", bin, args)
		return "", "", -1
	}
}
