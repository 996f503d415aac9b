package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevindra/praxis"
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %d %s", e.Method, e.Code, e.Message)
}

// Client talks MCP to one external tool server over the server process's
// stdio. Calls multiplex over the pipe and are correlated by request ID, so
// concurrent invocations are safe once Start has returned.
type Client struct {
	name    string
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Int64

	writeMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[int64]chan *response
	readErr error
	closed  bool
}

var _ praxis.Bridge = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets a structured logger for connection and frame events.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient builds a client for one external server. Start must succeed
// before the client can serve requests.
func NewClient(name string, srv ServerConfig, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		command: srv.Command,
		args:    srv.Args,
		env:     srv.Env,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements praxis.Bridge.
func (c *Client) Name() string { return c.name }

// Start launches the server process and performs the initialize handshake.
// The configured env entries are appended to the parent environment.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.command, c.args...)
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("bridge %s: stdin pipe: %w", c.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bridge %s: stdout pipe: %w", c.name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("bridge %s: start %s: %w", c.name, c.command, err)
	}
	c.cmd = cmd
	c.connect(stdin, stdout)
	return c.handshake(ctx)
}

// connect wires the client to a transport. Split from Start so tests can
// drive the client over in-memory pipes.
func (c *Client) connect(stdin io.WriteCloser, stdout io.Reader) {
	c.stdin = stdin
	c.pending = make(map[int64]chan *response)
	go c.readLoop(stdout)
}

// handshake sends initialize and the initialized notification.
func (c *Client) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "praxis", Version: "0.1.0"},
	}
	var res initializeResult
	if err := c.call(ctx, "initialize", params, &res); err != nil {
		return fmt.Errorf("bridge %s: initialize: %w", c.name, err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("bridge %s: initialized: %w", c.name, err)
	}
	c.logger.Info("bridge_connected",
		"bridge", c.name,
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion)
	return nil
}

// readLoop scans newline-delimited responses and hands each to the caller
// waiting on its ID. Runs until the pipe closes, then fails all pending
// calls.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("bridge_bad_frame", "bridge", c.name, "error", err)
			continue
		}
		if len(resp.ID) == 0 || string(resp.ID) == "null" {
			// Server-initiated notification; this client ignores them.
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			c.logger.Warn("bridge_bad_id", "bridge", c.name, "id", string(resp.ID))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			got := resp
			ch <- &got
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// call sends one request and decodes the matching response into result.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("bridge %s: connection lost: %w", c.name, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("bridge %s: connection closed during %s", c.name, method)
		}
		if resp.Error != nil {
			return &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("bridge %s: decode %s result: %w", c.name, method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// notify sends a request without an ID; no response is expected.
func (c *Client) notify(method string, params any) error {
	return c.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bridge %s: marshal request: %w", c.name, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("bridge %s: write request: %w", c.name, err)
	}
	return nil
}

// ListTools implements praxis.Bridge.
func (c *Client) ListTools(ctx context.Context) ([]praxis.ToolDefinition, error) {
	var res toolsListResult
	if err := c.call(ctx, "tools/list", struct{}{}, &res); err != nil {
		return nil, err
	}
	defs := make([]praxis.ToolDefinition, 0, len(res.Tools))
	for _, t := range res.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		defs = append(defs, praxis.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

// Invoke implements praxis.Bridge. The server's text content blocks are
// joined into one string; isError results surface as Go errors.
func (c *Client) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var res toolCallResult
	if err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args}, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range res.Content {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(block.Text)
	}
	if res.IsError {
		return "", fmt.Errorf("bridge %s: tool %s failed: %s", c.name, name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts the stdin pipe so the server exits, then reaps the process.
// A server that ignores the close is killed after a grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}

// Source couples a connected client with the registry it discovers into.
// Refresh re-lists the server's tools and swaps them into the registry
// under the bridge's namespace.
type Source struct {
	client   *Client
	registry *praxis.Registry
}

var _ praxis.ExternalToolSource = (*Source)(nil)

// NewSource builds a refreshable tool source from a started client.
func NewSource(c *Client, r *praxis.Registry) *Source {
	return &Source{client: c, registry: r}
}

// Name implements praxis.ExternalToolSource.
func (s *Source) Name() string { return s.client.Name() }

// Refresh implements praxis.ExternalToolSource.
func (s *Source) Refresh(ctx context.Context) (int, error) {
	return s.registry.Discover(ctx, s.client)
}
