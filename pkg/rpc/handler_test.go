package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/capability"
	"github.com/toolgate-dev/toolgate/pkg/confirm"
	"github.com/toolgate-dev/toolgate/pkg/executor"
	"github.com/toolgate-dev/toolgate/pkg/policy"
	"github.com/toolgate-dev/toolgate/pkg/rules"
	"github.com/toolgate-dev/toolgate/pkg/snapshot"
)

// rpcMsg is a generic JSON-RPC message that can be either a response or
// notification.
type rpcMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type testRPC struct {
	t      *testing.T
	dir    string
	store  *rules.Store
	stdinW *io.PipeWriter
	stdout *bufio.Reader
	done   chan error

	notes []*rpcMsg
	resps map[uint64]*rpcMsg
}

func newTestRPC(t *testing.T, cfg *api.Config, seed []policy.Rule) *testRPC {
	t.Helper()
	dir := t.TempDir()

	snaps, err := snapshot.Open(snapshot.Options{
		DBPath:  filepath.Join(dir, "toolgate.db"),
		BlobDir: filepath.Join(dir, "blobs"),
	})
	if err != nil {
		t.Fatalf("open snapshots: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })

	store, err := rules.OpenStore(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("open rule store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	router, err := capability.New(map[string][]string{"agent": {"*"}})
	if err != nil {
		t.Fatalf("build router: %v", err)
	}

	log := rules.NewLog()
	for _, r := range seed {
		if _, err := log.Append(rules.OriginConfig, r); err != nil {
			t.Fatalf("seed rule: %v", err)
		}
	}

	broker := confirm.NewBroker()
	ex, err := executor.New(executor.Options{
		Config:    cfg,
		Router:    router,
		Rules:     log,
		Broker:    broker,
		Snapshots: snaps,
		Store:     store,
	})
	if err != nil {
		t.Fatalf("build executor: %v", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := NewHandler(Options{
		Config:    cfg,
		Executor:  ex,
		Broker:    broker,
		Rules:     log,
		Snapshots: snaps,
		Store:     store,
		Stdin:     stdinR,
		Stdout:    stdoutW,
	})

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	return &testRPC{
		t:      t,
		dir:    dir,
		store:  store,
		stdinW: stdinW,
		stdout: bufio.NewReader(stdoutR),
		done:   done,
		resps:  make(map[uint64]*rpcMsg),
	}
}

func (rp *testRPC) send(method string, id uint64, params any) {
	rp.t.Helper()
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      id,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			rp.t.Fatalf("marshal params: %v", err)
		}
		req["params"] = json.RawMessage(p)
	}
	data, _ := json.Marshal(req)
	fmt.Fprintln(rp.stdinW, string(data))
}

func (rp *testRPC) sendRaw(line string) {
	fmt.Fprintln(rp.stdinW, line)
}

func (rp *testRPC) read() *rpcMsg {
	rp.t.Helper()
	line, err := rp.stdout.ReadBytes('\n')
	if err != nil {
		rp.t.Fatalf("read: %v", err)
	}
	var msg rpcMsg
	if err := json.Unmarshal(line, &msg); err != nil {
		rp.t.Fatalf("unmarshal %q: %v", line, err)
	}
	return &msg
}

// response reads until the response with the given id arrives, stashing
// notifications and other responses encountered on the way.
func (rp *testRPC) response(id uint64) *rpcMsg {
	rp.t.Helper()
	if msg, ok := rp.resps[id]; ok {
		delete(rp.resps, id)
		return msg
	}
	for {
		msg := rp.read()
		if msg.ID == nil {
			rp.notes = append(rp.notes, msg)
			continue
		}
		if *msg.ID == id {
			return msg
		}
		rp.resps[*msg.ID] = msg
	}
}

// notification returns the next notification with the given method.
func (rp *testRPC) notification(method string) *rpcMsg {
	rp.t.Helper()
	for i, n := range rp.notes {
		if n.Method == method {
			rp.notes = append(rp.notes[:i], rp.notes[i+1:]...)
			return n
		}
	}
	for {
		msg := rp.read()
		if msg.ID != nil {
			rp.resps[*msg.ID] = msg
			continue
		}
		if msg.Method == method {
			return msg
		}
		rp.notes = append(rp.notes, msg)
	}
}

func (rp *testRPC) result(id uint64, into any) {
	rp.t.Helper()
	msg := rp.response(id)
	if msg.Error != nil {
		rp.t.Fatalf("request %d failed: %d %s", id, msg.Error.Code, msg.Error.Message)
	}
	if err := json.Unmarshal(msg.Result, into); err != nil {
		rp.t.Fatalf("unmarshal result %d: %v", id, err)
	}
}

func (rp *testRPC) close() {
	rp.stdinW.Close()
	<-rp.done
}

func promptID(t *testing.T, n *rpcMsg) string {
	t.Helper()
	var params struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		t.Fatalf("unmarshal notification params: %v", err)
	}
	if params.PromptID == "" {
		t.Fatal("notification carries no prompt_id")
	}
	return params.PromptID
}

func shellParams(command string) map[string]any {
	return map[string]any{
		"tool_name": api.ToolShell,
		"agent_id":  "agent",
		"arguments": map[string]any{"command": command},
	}
}

func TestHandlerToolCallShell(t *testing.T) {
	rpc := newTestRPC(t, nil, []policy.Rule{{Kind: policy.Allow, Pattern: "shell:echo *"}})
	defer rpc.close()

	rpc.send("tool.call", 1, shellParams("echo hello"))

	var out api.Outcome
	rpc.result(1, &out)
	if out.Status != api.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (%s)", out.Status, out.Error)
	}
	if got := string(out.Result.Shell.Stdout); got != "hello\n" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestHandlerToolCallDenied(t *testing.T) {
	rpc := newTestRPC(t, nil, []policy.Rule{{Kind: policy.Deny, Pattern: "shell:rm *"}})
	defer rpc.close()

	rpc.send("tool.call", 1, shellParams("rm -rf /"))

	var out api.Outcome
	rpc.result(1, &out)
	if out.Status != api.StatusDenied {
		t.Fatalf("status = %s, want denied", out.Status)
	}
	if !strings.Contains(out.Reason, "rm *") {
		t.Fatalf("reason = %q, want the matched rule", out.Reason)
	}
}

func TestHandlerConfirmFlow(t *testing.T) {
	// No rules: fail-closed, every call parks on a prompt.
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	rpc.send("tool.call", 10, shellParams("echo a"))
	rpc.send("tool.call", 11, shellParams("echo b"))

	id1 := promptID(t, rpc.notification(NotifyConfirmRequest))
	id2 := promptID(t, rpc.notification(NotifyConfirmRequest))

	var pending struct {
		Prompts []confirm.Prompt `json:"prompts"`
	}
	rpc.send("confirm.pending", 12, nil)
	rpc.result(12, &pending)
	if len(pending.Prompts) != 2 {
		t.Fatalf("pending = %d prompts, want 2", len(pending.Prompts))
	}

	rpc.send("confirm.resolve", 13, map[string]any{"prompt_id": id1, "choice": "allow_once"})
	rpc.send("confirm.resolve", 14, map[string]any{"prompt_id": id2, "choice": "allow_once"})
	for _, id := range []uint64{13, 14} {
		if msg := rpc.response(id); msg.Error != nil {
			t.Fatalf("resolve %d failed: %s", id, msg.Error.Message)
		}
	}

	for _, id := range []uint64{10, 11} {
		var out api.Outcome
		rpc.result(id, &out)
		if out.Status != api.StatusSucceeded {
			t.Fatalf("call %d status = %s, want succeeded", id, out.Status)
		}
	}
}

func TestHandlerConfirmResolveErrors(t *testing.T) {
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	rpc.send("confirm.resolve", 1, map[string]any{"prompt_id": "nope", "choice": "allow_once"})
	if msg := rpc.response(1); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected invalid params for unknown prompt, got %+v", msg)
	}

	rpc.send("confirm.resolve", 2, map[string]any{"prompt_id": "nope", "choice": "maybe"})
	if msg := rpc.response(2); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected invalid params for bad choice, got %+v", msg)
	}
}

func TestHandlerTurnLifecycle(t *testing.T) {
	cfg := api.DefaultConfig()
	rpc := newTestRPC(t, cfg, []policy.Rule{{Kind: policy.Allow, Pattern: "shell:echo *"}})
	defer rpc.close()

	var begun struct {
		TurnID string `json:"turn_id"`
	}
	rpc.send("turn.begin", 1, nil)
	rpc.result(1, &begun)
	if begun.TurnID == "" {
		t.Fatal("turn.begin returned no turn_id")
	}

	var st struct {
		RequestsUsed int `json:"requests_used"`
	}
	rpc.send("budget.status", 2, map[string]any{"turn_id": begun.TurnID})
	rpc.result(2, &st)
	if st.RequestsUsed != 0 {
		t.Fatalf("requests_used = %d before any call", st.RequestsUsed)
	}

	params := shellParams("echo in-turn")
	params["turn_id"] = begun.TurnID
	rpc.send("tool.call", 3, params)
	var out api.Outcome
	rpc.result(3, &out)
	if out.Status != api.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", out.Status)
	}

	rpc.send("budget.status", 4, map[string]any{"turn_id": begun.TurnID})
	rpc.result(4, &st)
	if st.RequestsUsed != 1 {
		t.Fatalf("requests_used = %d after one call, want 1", st.RequestsUsed)
	}

	rpc.send("turn.begin", 5, map[string]any{"turn_id": begun.TurnID})
	if msg := rpc.response(5); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected duplicate turn.begin to fail, got %+v", msg)
	}

	rpc.send("turn.end", 6, map[string]any{"turn_id": begun.TurnID})
	if msg := rpc.response(6); msg.Error != nil {
		t.Fatalf("turn.end failed: %s", msg.Error.Message)
	}

	rpc.send("budget.status", 7, map[string]any{"turn_id": begun.TurnID})
	if msg := rpc.response(7); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected unknown turn after end, got %+v", msg)
	}

	rpc.send("tool.call", 8, params)
	if msg := rpc.response(8); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected stale turn_id to be rejected, got %+v", msg)
	}
}

func TestHandlerRulesAddList(t *testing.T) {
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	var added struct {
		Rule rules.Entry `json:"rule"`
	}
	rpc.send("rules.add", 1, map[string]any{
		"kind":              "allow",
		"operation_pattern": "shell:echo *",
	})
	rpc.result(1, &added)
	if added.Rule.Origin != rules.OriginUser {
		t.Fatalf("origin = %s, want user", added.Rule.Origin)
	}

	var listed struct {
		Rules []rules.Entry `json:"rules"`
	}
	rpc.send("rules.list", 2, nil)
	rpc.result(2, &listed)
	if len(listed.Rules) != 1 || listed.Rules[0].Rule.Pattern != "shell:echo *" {
		t.Fatalf("rules = %+v", listed.Rules)
	}

	// The added rule takes effect without a restart.
	rpc.send("tool.call", 3, shellParams("echo live"))
	var out api.Outcome
	rpc.result(3, &out)
	if out.Status != api.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded via added rule", out.Status)
	}

	rpc.send("rules.add", 4, map[string]any{
		"kind":              "sometimes",
		"operation_pattern": "shell:*",
	})
	if msg := rpc.response(4); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected invalid kind to be rejected, got %+v", msg)
	}
}

func TestHandlerRulesAddPersist(t *testing.T) {
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	rpc.send("rules.add", 1, map[string]any{
		"kind":              "deny",
		"operation_pattern": "shell:curl *",
		"persist":           true,
	})
	if msg := rpc.response(1); msg.Error != nil {
		t.Fatalf("rules.add failed: %s", msg.Error.Message)
	}

	stored, err := rpc.store.List()
	if err != nil {
		t.Fatalf("list store: %v", err)
	}
	if len(stored) != 1 || stored[0].Pattern != "shell:curl *" {
		t.Fatalf("stored rules = %+v", stored)
	}
}

func TestHandlerUndo(t *testing.T) {
	rpc := newTestRPC(t, nil, []policy.Rule{{Kind: policy.Allow, Pattern: "*"}})
	defer rpc.close()

	path := filepath.Join(rpc.dir, "notes.txt")
	write := func(id uint64, content string, overwrite bool) {
		rpc.send("tool.call", id, map[string]any{
			"tool_name": api.ToolWriteFile,
			"agent_id":  "agent",
			"arguments": map[string]any{
				"path":      path,
				"content":   []byte(content),
				"overwrite": overwrite,
			},
		})
		var out api.Outcome
		rpc.result(id, &out)
		if out.Status != api.StatusSucceeded {
			t.Fatalf("write %d status = %s (%s)", id, out.Status, out.Error)
		}
	}

	write(1, "v1", false)
	write(2, "v2", true)

	rpc.send("undo", 3, map[string]any{"path": path})
	if msg := rpc.response(3); msg.Error != nil {
		t.Fatalf("undo failed: %s", msg.Error.Message)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("restored content = %q, want v1", data)
	}

	// The first write created the file; nothing older remains.
	rpc.send("undo", 4, map[string]any{"path": path})
	if msg := rpc.response(4); msg.Error == nil || msg.Error.Code != ErrCodeSnapshotFailed {
		t.Fatalf("expected snapshot error on empty stack, got %+v", msg)
	}
}

func TestHandlerCancelParkedCall(t *testing.T) {
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	rpc.send("tool.call", 5, shellParams("echo parked"))
	rpc.notification(NotifyConfirmRequest)

	var cancelled struct {
		Cancelled bool `json:"cancelled"`
	}
	rpc.send("cancel", 6, map[string]any{"id": 5})
	rpc.result(6, &cancelled)
	if !cancelled.Cancelled {
		t.Fatal("cancel reported no in-flight request")
	}

	if msg := rpc.response(5); msg.Error == nil || msg.Error.Code != ErrCodeCancelled {
		t.Fatalf("expected cancelled call error, got %+v", msg)
	}

	rpc.send("cancel", 7, map[string]any{"id": 99})
	rpc.result(7, &cancelled)
	if cancelled.Cancelled {
		t.Fatal("cancel of unknown id reported true")
	}
}

func TestHandlerProtocolErrors(t *testing.T) {
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	rpc.sendRaw("this is not json")
	if msg := rpc.read(); msg.Error == nil || msg.Error.Code != ErrCodeParse {
		t.Fatalf("expected parse error, got %+v", msg)
	}

	rpc.sendRaw(`{"jsonrpc":"1.0","method":"tool.call","id":1}`)
	if msg := rpc.response(1); msg.Error == nil || msg.Error.Code != ErrCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", msg)
	}

	rpc.send("vm.create", 2, nil)
	if msg := rpc.response(2); msg.Error == nil || msg.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", msg)
	}

	rpc.send("tool.call", 3, nil)
	if msg := rpc.response(3); msg.Error == nil || msg.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected invalid params without arguments, got %+v", msg)
	}
}

func TestHandlerToolCatalog(t *testing.T) {
	rpc := newTestRPC(t, nil, nil)
	defer rpc.close()

	var catalog struct {
		Tools []api.ToolSpec `json:"tools"`
	}
	rpc.send("tool.catalog", 1, nil)
	rpc.result(1, &catalog)

	want := []string{api.ToolFetch, api.ToolPatchFile, api.ToolReadFile, api.ToolShell, api.ToolWriteFile}
	if len(catalog.Tools) != len(want) {
		t.Fatalf("catalog has %d tools, want %d", len(catalog.Tools), len(want))
	}
	for i, spec := range catalog.Tools {
		if spec.Name != want[i] {
			t.Fatalf("tool[%d] = %s, want %s", i, spec.Name, want[i])
		}
		if len(spec.Schema) == 0 {
			t.Fatalf("tool %s has no schema", spec.Name)
		}
	}
}
