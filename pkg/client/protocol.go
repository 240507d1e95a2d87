package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/toolgate-dev/toolgate/internal/errx"
)

// JSON-RPC request/response types
type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

// notification is a JSON-RPC notification (no ID) with a method and params
type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
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

// RPCError represents an error reported by the toolgate server.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("toolgate RPC error [%d]: %s", e.Code, e.Message)
}

// IsCancelled returns true if the server cancelled the request.
func (e *RPCError) IsCancelled() bool {
	return e.Code == ErrCodeCancelled
}

// IsRuleError returns true if the error came from rule persistence.
func (e *RPCError) IsRuleError() bool {
	return e.Code == ErrCodeRuleFailed
}

// IsSnapshotError returns true if the error came from snapshot or undo
// handling.
func (e *RPCError) IsSnapshotError() bool {
	return e.Code == ErrCodeSnapshotFailed
}

// pendingRequest tracks an in-flight request awaiting its response.
type pendingRequest struct {
	ch chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// sendRequest sends a JSON-RPC request without a cancellation context.
// It is safe for concurrent use.
func (c *Client) sendRequest(method string, params any) (json.RawMessage, error) {
	return c.sendRequestCtx(context.Background(), method, params)
}

// sendRequestCtx sends a JSON-RPC request with context support. If the
// context is cancelled while waiting, a "cancel" RPC is fired to abort the
// server-side operation and ctx.Err() is returned.
func (c *Client) sendRequestCtx(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.readerOnce.Do(c.startReader)

	id := c.requestID.Add(1)

	pending := &pendingRequest{ch: make(chan pendingResult, 1)}

	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = pending
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errx.Wrap(ErrMarshalRequest, err)
	}

	c.writeMu.Lock()
	_, writeErr := fmt.Fprintln(c.stdin, string(data))
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, errx.Wrap(ErrWriteRequest, writeErr)
	}

	select {
	case result := <-pending.ch:
		return result.result, result.err
	case <-ctx.Done():
		c.sendCancelRequest(id)
		return nil, ctx.Err()
	}
}

// sendCancelRequest sends a fire-and-forget "cancel" RPC to abort an
// in-flight request.
func (c *Client) sendCancelRequest(targetID uint64) {
	cancelID := c.requestID.Add(1)
	req := request{
		JSONRPC: "2.0",
		Method:  "cancel",
		Params:  map[string]uint64{"id": targetID},
		ID:      cancelID,
	}
	data, _ := json.Marshal(req)

	c.writeMu.Lock()
	fmt.Fprintln(c.stdin, string(data))
	c.writeMu.Unlock()
}

// startReader launches the background goroutine that reads JSON-RPC
// responses from stdout and dispatches them to the matching pending
// request.
func (c *Client) startReader() {
	go func() {
		for {
			line, err := c.stdout.ReadBytes('\n')
			if err != nil {
				c.pendingMu.Lock()
				for _, p := range c.pending {
					p.ch <- pendingResult{err: errx.Wrap(ErrConnectionClose, err)}
				}
				c.pending = nil
				c.pendingMu.Unlock()
				return
			}

			var resp response
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}

			if resp.ID == nil {
				var notif notification
				if err := json.Unmarshal(line, &notif); err != nil {
					continue
				}
				c.handleNotification(notif)
				continue
			}

			c.pendingMu.Lock()
			p, ok := c.pending[*resp.ID]
			c.pendingMu.Unlock()

			if !ok {
				continue
			}

			if resp.Error != nil {
				p.ch <- pendingResult{err: &RPCError{
					Code:    resp.Error.Code,
					Message: resp.Error.Message,
				}}
			} else {
				p.ch <- pendingResult{result: resp.Result}
			}
		}
	}()
}

// handleNotification routes server-pushed notifications. A confirm.request
// announces a freshly parked prompt; the registered callback runs on its
// own goroutine so it may call back into the client to resolve it.
func (c *Client) handleNotification(notif notification) {
	if notif.Method != "confirm.request" {
		return
	}
	if c.onConfirm == nil {
		return
	}
	var cr ConfirmRequest
	if err := json.Unmarshal(notif.Params, &cr); err != nil {
		return
	}
	go c.onConfirm(cr)
}
