// Package mcp implements the Model Context Protocol over stdio: a server that
// exposes a static tool table with JSON-schema validated arguments, and a
// client that drives any MCP stdio server. Messages are JSON-RPC 2.0, framed
// either one per line or with Content-Length headers.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	goa "goa.design/goa/v3/pkg"

	"github.com/fluxmcp/flux/runtime/telemetry"
)

// DefaultProtocolVersion is the MCP protocol version used when none is negotiated.
const DefaultProtocolVersion = "2024-11-05"

// supportedProtocolVersions lists versions the server accepts, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", DefaultProtocolVersion}

type (
	// Server serves a fixed tool table to one MCP client over a byte stream.
	Server struct {
		info         ImplementationInfo
		instructions string
		tools        map[string]*compiledTool
		list         []ToolInfo
		tel          telemetry.Telemetry
	}

	// ServerOption configures optional aspects of the Server.
	ServerOption func(*Server)

	// conn serializes writes to the peer.
	conn struct {
		mu sync.Mutex
		w  io.Writer
	}

	inbound struct {
		data    []byte
		framing Framing
	}
)

// WithTelemetry sets the logger, metrics and tracer used by the server.
func WithTelemetry(tel telemetry.Telemetry) ServerOption {
	return func(s *Server) {
		s.tel = tel.WithDefaults()
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) ServerOption {
	return func(s *Server) {
		s.instructions = text
	}
}

// NewServer validates the tool table and compiles every input schema.
func NewServer(info ImplementationInfo, tools []Tool, opts ...ServerOption) (*Server, error) {
	compiled, err := compileTools(tools)
	if err != nil {
		return nil, err
	}
	s := &Server{
		info:  info,
		tools: compiled,
		tel:   telemetry.Noop(),
	}
	for _, t := range tools {
		s.list = append(s.list, compiled[t.Name].info())
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Tools returns the tools/list view of the registry in declaration order.
func (s *Server) Tools() []ToolInfo {
	return append([]ToolInfo(nil), s.list...)
}

// Serve reads requests from r and writes responses to w until r is exhausted
// or ctx is canceled. tools/call requests run concurrently; Serve waits for
// in-flight calls before returning. EOF on r is a clean shutdown.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	c := &conn{w: w}
	msgs := make(chan inbound)
	errc := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(r)
		for {
			data, framing, err := readMessage(reader)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- inbound{data: data, framing: framing}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		case m := <-msgs:
			s.dispatch(ctx, c, m, &wg)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, m inbound, wg *sync.WaitGroup) {
	if len(m.data) > 0 && m.data[0] == '[' {
		s.reply(ctx, c, m.framing, nil, nil, &rpcError{Code: JSONRPCInvalidRequest, Message: "batch requests are not supported"})
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(m.data, &req); err != nil {
		s.reply(ctx, c, m.framing, nil, nil, &rpcError{Code: JSONRPCParseError, Message: "parse error: " + err.Error()})
		return
	}
	if req.isNotification() {
		s.notification(ctx, &req)
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		s.reply(ctx, c, m.framing, req.ID, nil, &rpcError{Code: JSONRPCInvalidRequest, Message: "invalid request"})
		return
	}
	if req.Method == methodToolsCall {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, rerr := s.callTool(ctx, &req)
			s.reply(ctx, c, m.framing, req.ID, result, rerr)
		}()
		return
	}
	result, rerr := s.handle(ctx, &req)
	s.reply(ctx, c, m.framing, req.ID, result, rerr)
}

func (s *Server) notification(ctx context.Context, req *rpcRequest) {
	switch req.Method {
	case methodInitialized:
		s.tel.Logger.Debug(ctx, "client initialized")
	case methodCancelled:
		// In-flight calls run to completion.
		s.tel.Logger.Debug(ctx, "ignoring cancellation", "params", string(req.Params))
	default:
		s.tel.Logger.Debug(ctx, "ignoring notification", "method", req.Method)
	}
}

func (s *Server) handle(ctx context.Context, req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case methodInitialize:
		var p initializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: JSONRPCInvalidParams, Message: err.Error()}
			}
		}
		s.tel.Logger.Info(ctx, "initialize", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version, "protocol", p.ProtocolVersion)
		return initializeResult{
			ProtocolVersion: negotiateVersion(p.ProtocolVersion),
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      s.info,
			Instructions:    s.instructions,
		}, nil
	case methodPing:
		return struct{}{}, nil
	case methodToolsList:
		return toolsListResult{Tools: s.Tools()}, nil
	default:
		return nil, &rpcError{Code: JSONRPCMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (s *Server) callTool(ctx context.Context, req *rpcRequest) (res any, rerr *rpcError) {
	var p toolsCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, &rpcError{Code: JSONRPCInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}
	tool, ok := s.tools[p.Name]
	if !ok {
		return nil, &rpcError{Code: JSONRPCInvalidParams, Message: fmt.Sprintf("tool %q not found", p.Name)}
	}

	start := time.Now()
	ctx = extractTraceMeta(ctx, p.Meta)
	ctx, span := s.tel.Tracer.Start(ctx, "mcp.tools/call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("mcp.tool", p.Name)))
	outcome := "ok"
	defer func() {
		s.tel.Metrics.IncCounter("mcp.tool.calls", 1, "tool", p.Name, "outcome", outcome)
		s.tel.Metrics.RecordTimer("mcp.tool.duration", time.Since(start), "tool", p.Name)
		span.End()
	}()

	args := normalizeArgs(p.Arguments)
	if err := tool.validate(args); err != nil {
		outcome = "invalid"
		span.SetStatus(codes.Error, "invalid arguments")
		s.tel.Logger.Warn(ctx, "invalid tool arguments", "tool", p.Name, "error", err.Error())
		return nil, &rpcError{
			Code:    JSONRPCInvalidParams,
			Message: fmt.Sprintf("invalid arguments for tool %q: %v", p.Name, err),
			Data:    map[string]any{"kind": "invalid_params"},
		}
	}

	s.tel.Logger.Debug(ctx, "tool call", "tool", p.Name)
	result, err := s.invoke(ctx, tool, args)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.tel.Logger.Error(ctx, "tool call failed", "tool", p.Name, "err", err)
		return nil, toRPCError(err)
	}
	if result == nil {
		result = TextResult("")
	}
	if result.IsError {
		outcome = "tool_error"
	}
	return result, nil
}

func (s *Server) invoke(ctx context.Context, tool *compiledTool, args json.RawMessage) (res *ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", tool.Name, r)
		}
	}()
	return tool.Handler(ctx, args)
}

func (s *Server) reply(ctx context.Context, c *conn, f Framing, id json.RawMessage, result any, rerr *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rerr}
	if rerr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &rpcError{Code: JSONRPCInternalError, Message: "encode result: " + err.Error()}
		} else {
			resp.Result = raw
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.tel.Logger.Error(ctx, "encode response", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeMessage(c.w, f, data); err != nil {
		s.tel.Logger.Error(ctx, "write response", "err", err)
	}
}

// toRPCError maps handler errors onto JSON-RPC errors. Named goa service
// errors carry their name as data.kind; timeouts get JSONRPCTimeout.
func toRPCError(err error) *rpcError {
	var mcpErr *Error
	if errors.As(err, &mcpErr) {
		return &rpcError{Code: mcpErr.Code, Message: mcpErr.Message, Data: mcpErr.Data}
	}
	var svcErr *goa.ServiceError
	if errors.As(err, &svcErr) {
		code := JSONRPCInternalError
		switch {
		case svcErr.Timeout:
			code = JSONRPCTimeout
		case svcErr.Name == "invalid_params":
			code = JSONRPCInvalidParams
		}
		return &rpcError{Code: code, Message: svcErr.Message, Data: map[string]any{"kind": svcErr.Name}}
	}
	return &rpcError{Code: JSONRPCInternalError, Message: err.Error()}
}

func negotiateVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return supportedProtocolVersions[0]
}
