package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Tool declares one callable operation: its name, description, JSON
	// Schema for arguments, and the handler invoked with validated arguments.
	Tool struct {
		Name        string
		Description string
		InputSchema json.RawMessage
		Handler     ToolHandler
	}

	// ToolHandler runs a tool with arguments already validated against the
	// tool's schema. A returned error becomes a JSON-RPC error response; a
	// failure the caller should read as content belongs in the result.
	ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

	// ToolInfo is the tools/list representation of a tool.
	ToolInfo struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}

	// ToolResult is the tools/call result envelope.
	ToolResult struct {
		Content []Content `json:"content"`
		IsError bool      `json:"isError,omitempty"`
	}

	// Content is one block of tool output.
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	compiledTool struct {
		Tool
		schema *jsonschema.Schema
	}
)

// TextResult wraps text in a single-block result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// Text returns the concatenated text blocks of r.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var buf bytes.Buffer
	for _, c := range r.Content {
		if c.Type == "text" {
			buf.WriteString(c.Text)
		}
	}
	return buf.String()
}

func (t Tool) info() ToolInfo {
	return ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

// compileTools validates the descriptor table and compiles every schema.
func compileTools(tools []Tool) (map[string]*compiledTool, error) {
	out := make(map[string]*compiledTool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tool name is required")
		}
		if _, dup := out[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", t.Name)
		}
		if len(t.InputSchema) == 0 {
			t.InputSchema = json.RawMessage(`{"type":"object"}`)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("tool %q: unmarshal schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := t.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("tool %q: add schema resource: %w", t.Name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %q: compile schema: %w", t.Name, err)
		}
		out[t.Name] = &compiledTool{Tool: t, schema: schema}
	}
	return out, nil
}

// validate checks args against the tool schema. Missing arguments validate
// as an empty object.
func (t *compiledTool) validate(args json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalizeArgs(args)))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return t.schema.Validate(inst)
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage(`{}`)
	}
	return trimmed
}
