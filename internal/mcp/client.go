package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClientClosed is returned to calls that were pending when the server went away.
var ErrClientClosed = errors.New("mcp client closed")

// Client speaks JSON-RPC 2.0 to one MCP server.
type Client struct {
	name      string
	transport Transport
	nextID    int64

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCResponse
	done      chan struct{}
	closeErr  error
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MCPTool is one entry of a tools/list result.
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func NewClient(name string, transport Transport) (*Client, error) {
	c := &Client{
		name:      name,
		transport: transport,
		pending:   make(map[int64]chan jsonRPCResponse),
		done:      make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

// Name returns the server name the client was created for.
func (c *Client) Name() string { return c.name }

func (c *Client) listen() {
	defer close(c.done)
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			c.pendingMu.Lock()
			c.closeErr = err
			c.pendingMu.Unlock()
			return
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		// Server notifications carry no id.
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			ch <- resp
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}
	b, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, b); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		c.pendingMu.Lock()
		cause := c.closeErr
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%s %s: %w (%v)", c.name, method, ErrClientClosed, cause)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// Initialize performs the MCP handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "gosurvey",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	b, _ := json.Marshal(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	if err := c.transport.Send(ctx, b); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]MCPTool, error) {
	res, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}
	var result struct {
		Tools []MCPTool `json:"tools"`
	}
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool calls tools/call and returns the raw result object.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	res, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}
	return res, nil
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// ToolText joins the text parts of a tools/call result. isError mirrors the
// result's isError flag. Results that are not content lists are returned verbatim.
func ToolText(result json.RawMessage) (text string, isError bool) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Content == nil {
		return string(result), false
	}
	var parts []string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n"), parsed.IsError
}
