//go:build acceptance

package acceptance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate-dev/toolgate/pkg/api"
)

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func TestCLIVersion(t *testing.T) {
	t.Parallel()
	stdout, _, exitCode := runCLI(t, "--version")
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "version")
}

// ---------------------------------------------------------------------------
// call
// ---------------------------------------------------------------------------

func TestCLICallAllowedByStoredRule(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	stdout, stderr, exitCode := runCLI(t, "--data-dir", dataDir, "rules", "add", "allow", "shell:echo *")
	require.Equalf(t, 0, exitCode, "rules add: stderr=%s", stderr)
	assert.Contains(t, stdout, "Added")

	stdout, stderr, exitCode = runCLI(t, "--data-dir", dataDir, "call", "shell", "--json", "--", "echo", "hi")
	require.Equalf(t, 0, exitCode, "call: stderr=%s", stderr)

	var outcome api.Outcome
	require.NoError(t, json.Unmarshal([]byte(stdout), &outcome), "call output should be JSON")
	assert.Equal(t, api.StatusSucceeded, outcome.Status)
	require.NotNil(t, outcome.Result)
	require.NotNil(t, outcome.Result.Shell)
	assert.Equal(t, "hi", strings.TrimSpace(string(outcome.Result.Shell.Stdout)))
}

func TestCLICallDeniedExitCode(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	_, _, exitCode := runCLI(t, "--data-dir", dataDir, "rules", "add", "deny", "shell:rm *")
	require.Equal(t, 0, exitCode)

	_, stderr, exitCode := runCLI(t, "--data-dir", dataDir, "call", "shell", "--", "rm", "-rf", "/tmp/scratch")
	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr, "Denied")
}

func TestCLICallUnattendedConfirmExitCode(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	// No rule matches, stdin is not a terminal: the prompt resolves as a
	// one-time deny and the exit code says confirmation was needed.
	_, stderr, exitCode := runCLIWithTimeout(t, 30*time.Second,
		"--data-dir", dataDir, "call", "shell", "--", "echo", "hi")
	assert.Equal(t, 3, exitCode)
	assert.Contains(t, stderr, "Denied")
}

func TestCLICallUnknownTool(t *testing.T) {
	t.Parallel()
	_, stderr, exitCode := runCLI(t, "--data-dir", t.TempDir(), "call", "teleport", "somewhere")
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "unknown tool")
}

// ---------------------------------------------------------------------------
// rules
// ---------------------------------------------------------------------------

func TestCLIRulesLifecycle(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	_, _, exitCode := runCLI(t, "--data-dir", dataDir, "rules", "add", "allow", "shell:git *")
	require.Equal(t, 0, exitCode)
	_, _, exitCode = runCLI(t, "--data-dir", dataDir, "rules", "add", "deny", "write_file:/etc/*")
	require.Equal(t, 0, exitCode)

	stdout, _, exitCode := runCLI(t, "--data-dir", dataDir, "rules", "list")
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "KIND")
	assert.Contains(t, stdout, "shell:git *")
	assert.Contains(t, stdout, "write_file:/etc/*")

	stdout, _, exitCode = runCLI(t, "--data-dir", dataDir, "rules", "clear")
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "Cleared 2")

	stdout, _, exitCode = runCLI(t, "--data-dir", dataDir, "rules", "list")
	require.Equal(t, 0, exitCode)
	assert.NotContains(t, stdout, "shell:git *")
}

func TestCLIRulesAddRejectsBadKind(t *testing.T) {
	t.Parallel()
	_, stderr, exitCode := runCLI(t, "--data-dir", t.TempDir(), "rules", "add", "maybe", "shell:*")
	assert.Equal(t, 1, exitCode)
	assert.NotEmpty(t, stderr)
}

// ---------------------------------------------------------------------------
// snapshots and undo
// ---------------------------------------------------------------------------

func TestCLIFileEditUndoFlow(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "notes.txt")

	_, _, exitCode := runCLI(t, "--data-dir", dataDir, "rules", "add", "allow", "*")
	require.Equal(t, 0, exitCode)

	_, stderr, exitCode := runCLI(t, "--data-dir", dataDir, "call", "write_file", path, "--content", "v1")
	require.Equalf(t, 0, exitCode, "write: stderr=%s", stderr)

	_, stderr, exitCode = runCLI(t, "--data-dir", dataDir, "call", "patch_file", path, "--find", "v1", "--replace", "v2")
	require.Equalf(t, 0, exitCode, "patch: stderr=%s", stderr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	stdout, _, exitCode := runCLI(t, "--data-dir", dataDir, "snapshots", path)
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, path)

	stdout, stderr, exitCode = runCLI(t, "--data-dir", dataDir, "undo", path)
	require.Equalf(t, 0, exitCode, "undo: stderr=%s", stderr)
	assert.Contains(t, stdout, "Restored")

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func TestCLIEnvDataDir(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	_, stderr, exitCode := runCLIEnvWithTimeout(t, 30*time.Second,
		[]string{"TOOLGATE_DATA_DIR=" + dataDir},
		"rules", "add", "allow", "shell:ls *")
	require.Equalf(t, 0, exitCode, "rules add: stderr=%s", stderr)

	stdout, _, exitCode := runCLI(t, "--data-dir", dataDir, "rules", "list")
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "shell:ls *")
}
