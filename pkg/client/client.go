// Package client provides a Go client for a toolgate server spawned as a
// child process and driven over JSON-RPC on its stdio.
//
//	c, err := client.New(client.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(5 * time.Second)
//
//	turnID, err := c.BeginTurn("")
//	outcome, err := c.CallTool(ctx, api.ToolCall{
//	    ToolName:  api.ToolShell,
//	    AgentID:   "builder",
//	    TurnID:    turnID,
//	    Arguments: args,
//	})
//	fmt.Println(outcome.Status)
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/budget"
	"github.com/toolgate-dev/toolgate/pkg/confirm"
	"github.com/toolgate-dev/toolgate/pkg/rules"
)

// ConfirmRequest is a server-pushed announcement of a parked prompt.
type ConfirmRequest struct {
	PromptID    string `json:"prompt_id"`
	Prompt      string `json:"prompt"`
	Fingerprint string `json:"fingerprint"`
}

// Client drives one toolgate serve process. All methods are safe for
// concurrent use; calls parked on confirmation do not block other calls.
type Client struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	stderr    io.ReadCloser
	requestID atomic.Uint64
	onConfirm func(ConfirmRequest)

	mu     sync.Mutex
	closed bool

	writeMu    sync.Mutex // serializes writes to stdin
	pendingMu  sync.Mutex // protects pending map
	pending    map[uint64]*pendingRequest
	readerOnce sync.Once
}

// Config holds client configuration.
type Config struct {
	// BinaryPath is the path to the toolgate binary.
	BinaryPath string
	// ConfigFile, DataDir, and AgentsFile are forwarded to toolgate serve
	// when set.
	ConfigFile string
	DataDir    string
	AgentsFile string
	// OnConfirmRequest is invoked for every confirm.request notification,
	// on its own goroutine. It may call back into the client, typically
	// ResolveConfirmation.
	OnConfirmRequest func(ConfirmRequest)
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	path := os.Getenv("TOOLGATE_BIN")
	if path == "" {
		path = "toolgate"
	}
	return Config{BinaryPath: path}
}

// New starts a toolgate serve process and returns a client bound to it.
func New(cfg Config) (*Client, error) {
	args := []string{"serve"}
	if cfg.ConfigFile != "" {
		args = append(args, "--config", cfg.ConfigFile)
	}
	if cfg.DataDir != "" {
		args = append(args, "--data-dir", cfg.DataDir)
	}
	if cfg.AgentsFile != "" {
		args = append(args, "--agents", cfg.AgentsFile)
	}
	cmd := exec.Command(cfg.BinaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errx.Wrap(ErrStdinPipe, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errx.Wrap(ErrStdoutPipe, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errx.Wrap(ErrStderrPipe, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errx.Wrap(ErrStartProc, err)
	}

	// Drain stderr in background to prevent blocking
	go io.Copy(io.Discard, stderr)

	return &Client{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdout),
		stderr:    stderr,
		onConfirm: cfg.OnConfirmRequest,
		pending:   make(map[uint64]*pendingRequest),
	}, nil
}

// Close shuts the server down by closing its stdin and waits for the
// process to drain in-flight calls and exit. A zero timeout kills the
// process immediately; an expired timeout kills it and reports the
// overrun.
func (c *Client) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stdin.Close()
	if c.cmd == nil {
		return nil
	}

	if timeout == 0 {
		c.cmd.Process.Kill()
		return c.cmd.Wait()
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		c.cmd.Process.Kill()
		<-done
		return errx.With(ErrCloseTimeout, " after %s", timeout)
	}
}

// BeginTurn opens a fresh turn budget. An empty id asks the server to
// mint one; the returned id attributes subsequent calls to the turn.
func (c *Client) BeginTurn(turnID string) (string, error) {
	params := map[string]any{}
	if turnID != "" {
		params["turn_id"] = turnID
	}
	result, err := c.sendRequest("turn.begin", params)
	if err != nil {
		return "", err
	}

	var begun struct {
		TurnID string `json:"turn_id"`
	}
	if err := json.Unmarshal(result, &begun); err != nil {
		return "", errx.Wrap(ErrParseTurnResult, err)
	}
	return begun.TurnID, nil
}

// EndTurn discards the turn's budget counters.
func (c *Client) EndTurn(turnID string) error {
	_, err := c.sendRequest("turn.end", map[string]string{"turn_id": turnID})
	return err
}

// CallTool runs one mediated tool call to its outcome. Cancelling ctx
// aborts the server-side call; the error then reports the cancellation,
// not an outcome.
func (c *Client) CallTool(ctx context.Context, call api.ToolCall) (*api.Outcome, error) {
	result, err := c.sendRequestCtx(ctx, "tool.call", call)
	if err != nil {
		return nil, err
	}

	var out api.Outcome
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errx.Wrap(ErrParseCallResult, err)
	}
	return &out, nil
}

// ResolveConfirmation answers a parked prompt.
func (c *Client) ResolveConfirmation(promptID string, choice confirm.Choice, persist bool) error {
	_, err := c.sendRequest("confirm.resolve", map[string]any{
		"prompt_id": promptID,
		"choice":    string(choice),
		"persist":   persist,
	})
	return err
}

// PendingConfirmations lists unresolved prompts, oldest first.
func (c *Client) PendingConfirmations() ([]confirm.Prompt, error) {
	result, err := c.sendRequest("confirm.pending", nil)
	if err != nil {
		return nil, err
	}

	var pending struct {
		Prompts []confirm.Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(result, &pending); err != nil {
		return nil, errx.Wrap(ErrParsePendingResult, err)
	}
	return pending.Prompts, nil
}

// Rules returns the server's live rule log, oldest first.
func (c *Client) Rules() ([]rules.Entry, error) {
	result, err := c.sendRequest("rules.list", nil)
	if err != nil {
		return nil, err
	}

	var listed struct {
		Rules []rules.Entry `json:"rules"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, errx.Wrap(ErrParseRuleResult, err)
	}
	return listed.Rules, nil
}

// RuleSpec describes a rule to add at runtime.
type RuleSpec struct {
	// Kind is allow, deny, or confirm.
	Kind string
	// OperationPattern is "<tool>:<body>"; the body globs over the
	// operation's primary field.
	OperationPattern string
	// ScopePattern, when set, constrains the working directory.
	ScopePattern string
	// Persist writes the rule to the store so it outlives the session.
	Persist bool
}

// AddRule appends a rule to the live rule set, effective immediately.
func (c *Client) AddRule(spec RuleSpec) (*rules.Entry, error) {
	result, err := c.sendRequest("rules.add", map[string]any{
		"kind":              spec.Kind,
		"operation_pattern": spec.OperationPattern,
		"scope_pattern":     spec.ScopePattern,
		"persist":           spec.Persist,
	})
	if err != nil {
		return nil, err
	}

	var added struct {
		Rule rules.Entry `json:"rule"`
	}
	if err := json.Unmarshal(result, &added); err != nil {
		return nil, errx.Wrap(ErrParseRuleResult, err)
	}
	return &added.Rule, nil
}

// Undo restores the most recent snapshot of path.
func (c *Client) Undo(path string) error {
	_, err := c.sendRequest("undo", map[string]string{"path": path})
	return err
}

// BudgetStatus reports the turn's spend counters.
func (c *Client) BudgetStatus(turnID string) (*budget.Status, error) {
	result, err := c.sendRequest("budget.status", map[string]string{"turn_id": turnID})
	if err != nil {
		return nil, err
	}

	var st budget.Status
	if err := json.Unmarshal(result, &st); err != nil {
		return nil, errx.Wrap(ErrParseBudgetResult, err)
	}
	return &st, nil
}

// Catalog returns the mediated tools with their argument schemas, for
// planner grounding.
func (c *Client) Catalog() ([]api.ToolSpec, error) {
	result, err := c.sendRequest("tool.catalog", nil)
	if err != nil {
		return nil, err
	}

	var catalog struct {
		Tools []api.ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(result, &catalog); err != nil {
		return nil, errx.Wrap(ErrParseCatalogResult, err)
	}
	return catalog.Tools, nil
}
