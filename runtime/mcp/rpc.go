package mcp

import (
	"encoding/json"
	"fmt"
)

const (
	// JSON-RPC canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	// JSONRPCTimeout is the server-defined code for results that did not
	// materialize in time.
	JSONRPCTimeout = -32001
)

const jsonrpcVersion = "2.0"

// MCP method names.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodCancelled   = "notifications/cancelled"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request expects no response.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message, Data: e.Data}
}

// Error represents a JSON-RPC error returned by an MCP server.
type Error struct {
	Code    int
	Message string
	Data    map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Kind returns the server-provided error kind, if any.
func (e *Error) Kind() string {
	if e == nil || e.Data == nil {
		return ""
	}
	k, _ := e.Data["kind"].(string)
	return k
}

type (
	initializeParams struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    map[string]any     `json:"capabilities,omitempty"`
		ClientInfo      ImplementationInfo `json:"clientInfo"`
	}

	initializeResult struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    map[string]any     `json:"capabilities"`
		ServerInfo      ImplementationInfo `json:"serverInfo"`
		Instructions    string             `json:"instructions,omitempty"`
	}

	// ImplementationInfo names a client or server implementation.
	ImplementationInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	toolsListResult struct {
		Tools      []ToolInfo `json:"tools"`
		NextCursor string     `json:"nextCursor,omitempty"`
	}

	toolsCallParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
		Meta      map[string]any  `json:"_meta,omitempty"`
	}
)
