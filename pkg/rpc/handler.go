// Package rpc serves the gate over line-delimited JSON-RPC 2.0 on a
// stdio pair. Tool calls run concurrently in per-request goroutines;
// cancel is handled inline in the read loop so it never queues behind
// the call it targets. Pending confirmations are pushed to the peer as
// confirm.request notifications.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/budget"
	"github.com/toolgate-dev/toolgate/pkg/confirm"
	"github.com/toolgate-dev/toolgate/pkg/executor"
	"github.com/toolgate-dev/toolgate/pkg/policy"
	"github.com/toolgate-dev/toolgate/pkg/rules"
	"github.com/toolgate-dev/toolgate/pkg/snapshot"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string  `json:"jsonrpc"`
	Result  any     `json:"result,omitempty"`
	Error   *Error  `json:"error,omitempty"`
	ID      *uint64 `json:"id,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeCallFailed     = -32000
	ErrCodeRuleFailed     = -32001
	ErrCodeSnapshotFailed = -32002
	ErrCodeCancelled      = -32003
)

// NotifyConfirmRequest is pushed to the peer when a call parks on a
// confirmation prompt.
const NotifyConfirmRequest = "confirm.request"

type Options struct {
	Config    *api.Config
	Executor  *executor.Executor
	Broker    *confirm.Broker
	Rules     *rules.Log
	Snapshots *snapshot.Manager

	// Store receives rules added with persist; optional. Journal receives
	// session rules for replay on resume; optional.
	Store   *rules.Store
	Journal *rules.Journal

	Stdin  io.Reader
	Stdout io.Writer
}

type Handler struct {
	cfg     *api.Config
	ex      *executor.Executor
	broker  *confirm.Broker
	log     *rules.Log
	store   *rules.Store
	journal *rules.Journal
	snaps   *snapshot.Manager

	turnsMu sync.Mutex
	turns   map[string]*budget.Turn

	stdin     io.Reader
	stdout    io.Writer
	mu        sync.Mutex     // protects stdout writes
	wg        sync.WaitGroup // tracks in-flight requests
	cancelsMu sync.Mutex
	cancels   map[uint64]context.CancelFunc // per-request cancel funcs
}

func NewHandler(opts Options) *Handler {
	cfg := opts.Config
	if cfg == nil {
		cfg = api.DefaultConfig()
	}
	return &Handler{
		cfg:     cfg,
		ex:      opts.Executor,
		broker:  opts.Broker,
		log:     opts.Rules,
		store:   opts.Store,
		journal: opts.Journal,
		snaps:   opts.Snapshots,
		turns:   make(map[string]*budget.Turn),
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Run reads requests until stdin closes, then waits for in-flight calls
// to drain. A call parked on a confirmation keeps its goroutine; the
// loop stays free to accept the confirm.resolve that releases it.
func (h *Handler) Run(ctx context.Context) error {
	h.broker.SetNotifier(func(p confirm.Prompt) {
		h.sendNotification(NotifyConfirmRequest, map[string]any{
			"prompt_id":   p.ID,
			"prompt":      p.Prompt,
			"fingerprint": p.Fingerprint,
		})
	})

	scanner := bufio.NewScanner(h.stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			h.sendError(nil, ErrCodeParse, "Parse error")
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			h.sendError(req.ID, ErrCodeInvalidRequest, "Invalid request")
			continue
		}

		// Handle cancel requests immediately (no goroutine, no wg)
		if req.Method == "cancel" {
			h.sendResponse(h.handleCancel(&req))
			continue
		}

		h.wg.Add(1)
		go func(r Request) {
			defer h.wg.Done()

			reqCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if r.ID != nil {
				h.cancelsMu.Lock()
				h.cancels[*r.ID] = cancel
				h.cancelsMu.Unlock()

				defer func() {
					h.cancelsMu.Lock()
					delete(h.cancels, *r.ID)
					h.cancelsMu.Unlock()
				}()
			}

			resp := h.handleRequest(reqCtx, &r)
			if resp != nil {
				h.sendResponse(resp)
			}
		}(req)
	}

	h.wg.Wait()
	return scanner.Err()
}

func (h *Handler) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "turn.begin":
		return h.handleTurnBegin(req)
	case "turn.end":
		return h.handleTurnEnd(req)
	case "tool.call":
		return h.handleToolCall(ctx, req)
	case "confirm.resolve":
		return h.handleConfirmResolve(req)
	case "confirm.pending":
		return h.handleConfirmPending(req)
	case "rules.list":
		return h.handleRulesList(req)
	case "rules.add":
		return h.handleRulesAdd(req)
	case "undo":
		return h.handleUndo(req)
	case "budget.status":
		return h.handleBudgetStatus(req)
	case "tool.catalog":
		return h.handleToolCatalog(req)
	default:
		return errResponse(req.ID, ErrCodeMethodNotFound, "Method not found")
	}
}

func (h *Handler) handleTurnBegin(req *Request) *Response {
	var params struct {
		TurnID string `json:"turn_id"`
	}
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
	}

	id := params.TurnID
	if id == "" {
		id = uuid.NewString()
	}

	requests, failures := h.budgetLimits()

	h.turnsMu.Lock()
	_, exists := h.turns[id]
	if !exists {
		h.turns[id] = budget.NewTurn(id, requests, failures)
	}
	h.turnsMu.Unlock()

	if exists {
		return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("turn %q already begun", id))
	}
	return okResponse(req.ID, map[string]any{"turn_id": id})
}

func (h *Handler) handleTurnEnd(req *Request) *Response {
	var params struct {
		TurnID string `json:"turn_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if params.TurnID == "" {
		return errResponse(req.ID, ErrCodeInvalidParams, "turn_id is required")
	}

	// Ending twice is harmless; an in-flight call keeps its turn pointer
	// and the discarded counters with it.
	h.turnsMu.Lock()
	delete(h.turns, params.TurnID)
	h.turnsMu.Unlock()

	return okResponse(req.ID, map[string]any{})
}

func (h *Handler) handleToolCall(ctx context.Context, req *Request) *Response {
	var call api.ToolCall
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if call.ToolName == "" {
		return errResponse(req.ID, ErrCodeInvalidParams, "tool_name is required")
	}

	var turn *budget.Turn
	if call.TurnID != "" {
		h.turnsMu.Lock()
		turn = h.turns[call.TurnID]
		h.turnsMu.Unlock()
		if turn == nil {
			return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("unknown turn %q", call.TurnID))
		}
	}

	outcome, err := h.ex.Execute(ctx, call, turn)
	if err != nil {
		code := ErrCodeCallFailed
		if ctx.Err() != nil {
			code = ErrCodeCancelled
		}
		return errResponse(req.ID, code, err.Error())
	}
	return okResponse(req.ID, outcome)
}

func (h *Handler) handleConfirmResolve(req *Request) *Response {
	var params struct {
		PromptID string `json:"prompt_id"`
		Choice   string `json:"choice"`
		Persist  bool   `json:"persist"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	choice, err := confirm.ParseChoice(params.Choice)
	if err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	res := confirm.Resolution{Choice: choice, Persist: params.Persist}
	if err := h.broker.Resolve(params.PromptID, res); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, map[string]any{})
}

func (h *Handler) handleConfirmPending(req *Request) *Response {
	return okResponse(req.ID, map[string]any{"prompts": h.broker.Pending()})
}

func (h *Handler) handleRulesList(req *Request) *Response {
	return okResponse(req.ID, map[string]any{"rules": h.log.Entries()})
}

func (h *Handler) handleRulesAdd(req *Request) *Response {
	var params struct {
		Kind             string `json:"kind"`
		OperationPattern string `json:"operation_pattern"`
		ScopePattern     string `json:"scope_pattern"`
		Persist          bool   `json:"persist"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	r := policy.Rule{
		Kind:      policy.Kind(params.Kind),
		Pattern:   params.OperationPattern,
		Scope:     params.ScopePattern,
		CreatedAt: time.Now().UTC(),
	}
	entry, err := h.log.Append(rules.OriginUser, r)
	if err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	if params.Persist && h.store != nil {
		if err := h.store.Append(r); err != nil {
			return errResponse(req.ID, ErrCodeRuleFailed, err.Error())
		}
	} else if h.journal != nil {
		if err := h.journal.Record(entry); err != nil {
			return errResponse(req.ID, ErrCodeRuleFailed, err.Error())
		}
	}
	return okResponse(req.ID, map[string]any{"rule": entry})
}

func (h *Handler) handleUndo(req *Request) *Response {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if params.Path == "" {
		return errResponse(req.ID, ErrCodeInvalidParams, "path is required")
	}

	if err := h.snaps.Undo(params.Path); err != nil {
		return errResponse(req.ID, ErrCodeSnapshotFailed, err.Error())
	}
	return okResponse(req.ID, map[string]any{"path": params.Path})
}

func (h *Handler) handleBudgetStatus(req *Request) *Response {
	var params struct {
		TurnID string `json:"turn_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if params.TurnID == "" {
		return errResponse(req.ID, ErrCodeInvalidParams, "turn_id is required")
	}

	h.turnsMu.Lock()
	turn := h.turns[params.TurnID]
	h.turnsMu.Unlock()
	if turn == nil {
		return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("unknown turn %q", params.TurnID))
	}
	return okResponse(req.ID, turn.Status())
}

func (h *Handler) handleToolCatalog(req *Request) *Response {
	specs, err := api.ToolCatalog()
	if err != nil {
		return errResponse(req.ID, ErrCodeInternal, err.Error())
	}
	return okResponse(req.ID, map[string]any{"tools": specs})
}

func (h *Handler) handleCancel(req *Request) *Response {
	var params struct {
		ID uint64 `json:"id"`
	}
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
	}

	h.cancelsMu.Lock()
	cancel, ok := h.cancels[params.ID]
	h.cancelsMu.Unlock()

	if ok {
		cancel()
	}
	return okResponse(req.ID, map[string]any{"cancelled": ok})
}

func (h *Handler) budgetLimits() (requests, failures int) {
	if h.cfg.Budget != nil {
		return h.cfg.Budget.RequestsMax, h.cfg.Budget.FailuresMaxPerTool
	}
	return api.DefaultRequestsMax, api.DefaultFailuresMaxPerTool
}

func okResponse(id *uint64, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

func errResponse(id *uint64, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id}
}

func (h *Handler) sendResponse(resp *Response) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, _ := json.Marshal(resp)
	fmt.Fprintln(h.stdout, string(data))
}

func (h *Handler) sendError(id *uint64, code int, message string) {
	h.sendResponse(errResponse(id, code, message))
}

func (h *Handler) sendNotification(method string, params any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	data, _ := json.Marshal(notification)
	fmt.Fprintln(h.stdout, string(data))
}

// Serve runs the gate over the process stdio streams.
func Serve(ctx context.Context, opts Options) error {
	opts.Stdin = os.Stdin
	opts.Stdout = os.Stdout
	return NewHandler(opts).Run(ctx)
}
