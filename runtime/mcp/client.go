package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

type (
	// ClientOptions configures the MCP session handshake.
	ClientOptions struct {
		ProtocolVersion string
		ClientName      string
		ClientVersion   string
		InitTimeout     time.Duration
		// Framing selects how requests are delimited. Defaults to FramingLine.
		Framing Framing
	}

	// StdioOptions configures a client that launches an MCP server process.
	StdioOptions struct {
		ClientOptions
		Command string
		Args    []string
		Env     []string
		Dir     string
	}

	// Client is an MCP client session over a pair of byte streams.
	Client struct {
		w          io.WriteCloser
		framing    Framing
		cmd        *exec.Cmd
		server     initializeResult
		pending    map[uint64]chan callResult
		pendingMu  sync.Mutex
		writeMu    sync.Mutex
		nextID     uint64
		closed     chan struct{}
		readDone   chan struct{}
		closeOnce  sync.Once
		closeErr   error
		closeErrMu sync.Mutex
	}

	callResult struct {
		resp rpcResponse
		err  error
	}
)

// NewClient starts reading responses from r, performs the initialize
// handshake over w and returns the live session.
func NewClient(ctx context.Context, r io.Reader, w io.WriteCloser, opts ClientOptions) (*Client, error) {
	c := newClient(w, opts)
	go c.readLoop(r)
	if err := c.initialize(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewStdioClient launches the target command and returns a client session
// bound to its stdin and stdout. The child's stderr is forwarded to ours.
func NewStdioClient(ctx context.Context, opts StdioOptions) (*Client, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := newClient(stdin, opts.ClientOptions)
	c.cmd = cmd
	go c.readLoop(stdout)
	if err := c.initialize(ctx, opts.ClientOptions); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(w io.WriteCloser, opts ClientOptions) *Client {
	return &Client{
		w:        w,
		framing:  opts.Framing,
		pending:  make(map[uint64]chan callResult),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// ServerInfo returns the implementation info reported by the server.
func (c *Client) ServerInfo() ImplementationInfo {
	return c.server.ServerInfo
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	return c.server.ProtocolVersion
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, struct{}{}, nil)
}

// ListTools returns the server's tool table.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result toolsListResult
	if err := c.call(ctx, methodToolsList, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tools/call. JSON-RPC errors are returned as *Error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var result ToolResult
	if err := c.call(ctx, methodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close ends the session. For stdio clients it closes the child's stdin and
// waits for it to exit, killing it if it is still running.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.w != nil {
			_ = c.w.Close()
		}
		if c.cmd != nil {
			done := make(chan struct{})
			go func() {
				_ = c.cmd.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				_ = c.cmd.Process.Kill()
				<-done
			}
		}
		close(c.closed)
	})
	return nil
}

func (c *Client) initialize(ctx context.Context, opts ClientOptions) error {
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	name := opts.ClientName
	if name == "" {
		name = "fluxctl"
	}
	version := opts.ClientVersion
	if version == "" {
		version = "dev"
	}
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	params := initializeParams{
		ProtocolVersion: protocol,
		Capabilities:    map[string]any{},
		ClientInfo:      ImplementationInfo{Name: name, Version: version},
	}
	if err := c.call(initCtx, methodInitialize, params, &c.server); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return c.notify(methodInitialized)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		c.removePending(id)
		return err
	}
	req := rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
		Params:  raw,
	}
	if err := c.send(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		return res.decode(result)
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.readDone:
		// A response may have been delivered just before the stream ended.
		select {
		case res, ok := <-ch:
			if ok {
				return res.decode(result)
			}
		default:
		}
		return c.closeError()
	case <-c.closed:
		return c.closeError()
	}
}

func (r callResult) decode(result any) error {
	if r.err != nil {
		return r.err
	}
	if r.resp.Error != nil {
		return r.resp.Error.callerError()
	}
	if result != nil && len(r.resp.Result) > 0 {
		return json.Unmarshal(r.resp.Result, result)
	}
	return nil
}

func (c *Client) notify(method string) error {
	return c.send(rpcRequest{JSONRPC: jsonrpcVersion, Method: method})
}

func (c *Client) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeMessage(c.w, c.framing, data)
}

func (c *Client) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		frame, _, err := readMessage(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		id, err := strconv.ParseUint(string(resp.ID), 10, 64)
		if err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
}

func (c *Client) failPending(err error) {
	if errors.Is(err, io.EOF) {
		err = errors.New("mcp server closed the connection")
	}
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	close(c.readDone)
}

func (c *Client) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Client) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *Client) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("mcp client closed")
	}
	return c.closeErr
}
