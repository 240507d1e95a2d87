//go:build acceptance

package acceptance

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate-dev/toolgate/pkg/api"
)

func TestShellCallRoundTrip(t *testing.T) {
	t.Parallel()
	gate := launchGate(t)
	allowEverything(t, gate)

	outcome := callTool(t, gate, "", api.ToolShell, api.ShellArgs{Command: "echo hello"})
	require.Equalf(t, api.StatusSucceeded, outcome.Status, "reason=%s error=%s", outcome.Reason, outcome.Error)
	require.NotNil(t, outcome.Result)
	require.NotNil(t, outcome.Result.Shell)
	assert.Equal(t, 0, outcome.Result.Shell.ExitCode)
	assert.Equal(t, "hello", strings.TrimSpace(string(outcome.Result.Shell.Stdout)))
}

func TestShellNonZeroExitKeepsOutput(t *testing.T) {
	t.Parallel()
	gate := launchGate(t)
	allowEverything(t, gate)

	outcome := callTool(t, gate, "", api.ToolShell, api.ShellArgs{Command: "echo oops >&2; exit 7"})
	require.Equal(t, api.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Result, "failed shell calls keep their captured output")
	require.NotNil(t, outcome.Result.Shell)
	assert.Equal(t, 7, outcome.Result.Shell.ExitCode)
	assert.Contains(t, string(outcome.Result.Shell.Stderr), "oops")
}

func TestFileEditUndoRoundTrip(t *testing.T) {
	t.Parallel()
	gate := launchGate(t)
	allowEverything(t, gate)

	path := filepath.Join(t.TempDir(), "notes.txt")

	outcome := callTool(t, gate, "", api.ToolWriteFile, api.WriteFileArgs{
		Path:    path,
		Content: []byte("draft one\n"),
	})
	require.Equalf(t, api.StatusSucceeded, outcome.Status, "write: reason=%s error=%s", outcome.Reason, outcome.Error)
	require.NotNil(t, outcome.Result)
	require.NotNil(t, outcome.Result.File)
	assert.True(t, outcome.Result.File.Created)

	outcome = callTool(t, gate, "", api.ToolPatchFile, api.PatchFileArgs{
		Path:    path,
		Find:    "draft one",
		Replace: "final",
	})
	require.Equalf(t, api.StatusSucceeded, outcome.Status, "patch: reason=%s error=%s", outcome.Reason, outcome.Error)

	outcome = callTool(t, gate, "", api.ToolReadFile, api.ReadFileArgs{Path: path})
	require.Equal(t, api.StatusSucceeded, outcome.Status)
	assert.Equal(t, "final\n", string(outcome.Result.File.Content))

	require.NoError(t, gate.Undo(path), "Undo")

	outcome = callTool(t, gate, "", api.ToolReadFile, api.ReadFileArgs{Path: path})
	require.Equal(t, api.StatusSucceeded, outcome.Status)
	assert.Equal(t, "draft one\n", string(outcome.Result.File.Content), "undo should restore the pre-patch content")
}

func TestTurnBudgetCountsRequests(t *testing.T) {
	t.Parallel()
	gate := launchGate(t)
	allowEverything(t, gate)

	turnID, err := gate.BeginTurn("")
	require.NoError(t, err, "BeginTurn")
	require.NotEmpty(t, turnID, "server should mint a turn id")

	for i := 0; i < 3; i++ {
		outcome := callTool(t, gate, turnID, api.ToolShell, api.ShellArgs{Command: "true"})
		require.Equalf(t, api.StatusSucceeded, outcome.Status, "call %d", i)
	}

	status, err := gate.BudgetStatus(turnID)
	require.NoError(t, err, "BudgetStatus")
	assert.Equal(t, 3, status.RequestsUsed)
	assert.Equal(t, 25, status.RequestsMax)

	require.NoError(t, gate.EndTurn(turnID), "EndTurn")
}

func TestCatalogListsMediatedTools(t *testing.T) {
	t.Parallel()
	gate := launchGate(t)

	specs, err := gate.Catalog()
	require.NoError(t, err, "Catalog")

	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
		assert.NotEmptyf(t, spec.Schema, "schema for %s", spec.Name)
	}
	assert.Equal(t, []string{
		api.ToolFetch,
		api.ToolPatchFile,
		api.ToolReadFile,
		api.ToolShell,
		api.ToolWriteFile,
	}, names)
}
