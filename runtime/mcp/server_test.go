package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	goa "goa.design/goa/v3/pkg"
)

const echoSchema = `{
  "type": "object",
  "properties": {"text": {"type": "string"}},
  "required": ["text"],
  "additionalProperties": false
}`

func testTools() []Tool {
	return []Tool{
		{
			Name:        "echo",
			Description: "Echo text back.",
			InputSchema: json.RawMessage(echoSchema),
			Handler: func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
				var in struct{ Text string }
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				return TextResult(in.Text), nil
			},
		},
		{
			Name: "slow",
			Handler: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
				return nil, goa.NewServiceError(errors.New("result not ready"), "timeout", true, true, false)
			},
		},
		{
			Name: "broken",
			Handler: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
				return nil, goa.NewServiceError(errors.New("connection refused"), "transport", false, true, true)
			},
		},
		{
			Name: "panics",
			Handler: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
				panic("boom")
			},
		},
	}
}

func startServer(t *testing.T, tools []Tool, opts ClientOptions) *Client {
	t.Helper()
	srv, err := NewServer(ImplementationInfo{Name: "test", Version: "0.0.1"}, tools)
	require.NoError(t, err)

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, serverR, serverW)
		_ = serverW.Close()
	}()

	c, err := NewClient(ctx, clientR, clientW, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after client closed")
		}
		cancel()
	})
	return c
}

func TestInitializeNegotiation(t *testing.T) {
	cases := []struct {
		requested string
		want      string
	}{
		{requested: "2025-03-26", want: "2025-03-26"},
		{requested: "2024-11-05", want: "2024-11-05"},
		{requested: "1999-01-01", want: "2025-06-18"},
	}
	for _, tc := range cases {
		t.Run(tc.requested, func(t *testing.T) {
			c := startServer(t, testTools(), ClientOptions{ProtocolVersion: tc.requested})
			require.Equal(t, tc.want, c.ProtocolVersion())
			require.Equal(t, "test", c.ServerInfo().Name)
			require.NoError(t, c.Ping(context.Background()))
		})
	}
}

func TestListTools(t *testing.T) {
	c := startServer(t, testTools(), ClientOptions{})
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 4)
	require.Equal(t, "echo", tools[0].Name)
	require.Equal(t, "Echo text back.", tools[0].Description)
	require.JSONEq(t, echoSchema, string(tools[0].InputSchema))
	require.JSONEq(t, `{"type":"object"}`, string(tools[1].InputSchema))
}

func TestCallTool(t *testing.T) {
	for _, framing := range []Framing{FramingLine, FramingContentLength} {
		c := startServer(t, testTools(), ClientOptions{Framing: framing})
		res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "hello"})
		require.NoError(t, err)
		require.False(t, res.IsError)
		require.Equal(t, "hello", res.Text())
	}
}

func TestCallToolErrors(t *testing.T) {
	c := startServer(t, testTools(), ClientOptions{})
	cases := []struct {
		name string
		tool string
		args any
		code int
		kind string
	}{
		{name: "unknown tool", tool: "nope", args: nil, code: JSONRPCInvalidParams},
		{name: "missing required", tool: "echo", args: map[string]any{}, code: JSONRPCInvalidParams, kind: "invalid_params"},
		{name: "wrong type", tool: "echo", args: map[string]any{"text": 3}, code: JSONRPCInvalidParams, kind: "invalid_params"},
		{name: "extra property", tool: "echo", args: map[string]any{"text": "a", "x": 1}, code: JSONRPCInvalidParams, kind: "invalid_params"},
		{name: "timeout", tool: "slow", code: JSONRPCTimeout, kind: "timeout"},
		{name: "transport", tool: "broken", code: JSONRPCInternalError, kind: "transport"},
		{name: "panic", tool: "panics", code: JSONRPCInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CallTool(context.Background(), tc.tool, tc.args)
			var rpcErr *Error
			require.ErrorAs(t, err, &rpcErr)
			require.Equal(t, tc.code, rpcErr.Code)
			require.Equal(t, tc.kind, rpcErr.Kind())
		})
	}
}

func TestConcurrentCalls(t *testing.T) {
	var inflight, peak atomic.Int32
	release := make(chan struct{})
	tools := []Tool{{
		Name: "wait",
		Handler: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return TextResult("done"), nil
		},
	}}
	c := startServer(t, tools, ClientOptions{})

	const calls = 3
	errc := make(chan error, calls)
	for range calls {
		go func() {
			res, err := c.CallTool(context.Background(), "wait", nil)
			if err == nil && res.Text() != "done" {
				err = errors.New("unexpected result " + res.Text())
			}
			errc <- err
		}()
	}
	require.Eventually(t, func() bool { return peak.Load() == calls }, 5*time.Second, 10*time.Millisecond)
	close(release)
	for range calls {
		require.NoError(t, <-errc)
	}
}

func TestServeRawProtocol(t *testing.T) {
	srv, err := NewServer(ImplementationInfo{Name: "test", Version: "1"}, testTools())
	require.NoError(t, err)

	input := strings.Join([]string{
		`not json`,
		`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`,
		`{"jsonrpc":"2.0","id":2,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":9}}`,
		`{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
		`{"id":4,"method":"ping"}`,
	}, "\n") + "\n"
	pr, pw := io.Pipe()
	go func() {
		_ = srv.Serve(context.Background(), strings.NewReader(input), pw)
		_ = pw.Close()
	}()

	var responses []rpcResponse
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		var resp rpcResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 5, "notifications get no response")

	require.Equal(t, JSONRPCParseError, responses[0].Error.Code)
	require.Equal(t, "null", string(responses[0].ID))
	require.Equal(t, JSONRPCInvalidRequest, responses[1].Error.Code)
	require.Equal(t, JSONRPCMethodNotFound, responses[2].Error.Code)
	require.Equal(t, "2", string(responses[2].ID))
	require.Nil(t, responses[3].Error)
	require.Equal(t, `"abc"`, string(responses[3].ID))
	require.JSONEq(t, `{}`, string(responses[3].Result))
	require.Equal(t, JSONRPCInvalidRequest, responses[4].Error.Code)
}

func TestServeOversizedFrame(t *testing.T) {
	srv, err := NewServer(ImplementationInfo{Name: "test"}, testTools())
	require.NoError(t, err)
	var out strings.Builder
	err = srv.Serve(context.Background(), strings.NewReader("Content-Length: 9223372036854775807\r\n\r\n{}"), &out)
	require.ErrorContains(t, err, "read request")
	require.ErrorContains(t, err, "exceeds")
	require.Empty(t, out.String())
}

func TestNewServerRejectsBadTables(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (*ToolResult, error) { return TextResult(""), nil }
	cases := map[string][]Tool{
		"empty name": {{Handler: noop}},
		"duplicate":  {{Name: "a", Handler: noop}, {Name: "a", Handler: noop}},
		"no handler": {{Name: "a"}},
		"bad schema": {{Name: "a", Handler: noop, InputSchema: json.RawMessage(`{"type":12}`)}},
	}
	for name, tools := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewServer(ImplementationInfo{Name: "x"}, tools)
			require.Error(t, err)
		})
	}
}
