package flux

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/mcp"
)

// Tool names.
const (
	ToolSpawnProcess          = "spawn-process"
	ToolSendMessage           = "send-message"
	ToolInstallPackage        = "install-package"
	ToolLoadNamedBlueprint    = "load-named-blueprint"
	ToolLoadTokenBlueprint    = "load-token-blueprint"
	ToolLoadBlueprintFromURL  = "load-blueprint-from-url"
	ToolLoadLocalBlueprint    = "load-local-blueprint-source"
	ToolRunCode               = "run-code"
	ToolCreateHandler         = "create-handler"
	ToolCreateStatefulHandler = "create-stateful-handler"
	ToolListHandlers          = "list-handlers"
	ToolRunHandlerByName      = "run-handler-by-name"
)

const (
	processIDSchema = `{"type": "string", "minLength": 1, "description": "Target process id."}`
	tagsSchema      = `{
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"name": {"type": "string"}, "value": {"type": "string"}},
        "required": ["name", "value"]
      }
    }`
)

type (
	spawnArgs struct {
		Tags        []ao.Tag `json:"tags"`
		NeedsSqlite bool     `json:"needsSqlite"`
	}

	sendArgs struct {
		ProcessID ao.ProcessID `json:"processId"`
		Data      string       `json:"data"`
		Tags      []ao.Tag     `json:"tags"`
	}

	installArgs struct {
		ProcessID   ao.ProcessID `json:"processId"`
		PackageName string       `json:"packageName"`
	}

	namedBlueprintArgs struct {
		ProcessID     ao.ProcessID `json:"processId"`
		BlueprintName string       `json:"blueprintName"`
	}

	processArgs struct {
		ProcessID ao.ProcessID `json:"processId"`
	}

	urlBlueprintArgs struct {
		ProcessID ao.ProcessID `json:"processId"`
		URL       string       `json:"url"`
	}

	localBlueprintArgs struct {
		ProcessID     ao.ProcessID `json:"processId"`
		BlueprintCode string       `json:"blueprintCode"`
	}

	codeArgs struct {
		ProcessID ao.ProcessID `json:"processId"`
		Code      string       `json:"code"`
		Tags      []ao.Tag     `json:"tags"`
	}

	handlerArgs struct {
		ProcessID   ao.ProcessID `json:"processId"`
		HandlerCode string       `json:"handlerCode"`
	}

	runHandlerArgs struct {
		ProcessID   ao.ProcessID `json:"processId"`
		HandlerName string       `json:"handlerName"`
		Data        string       `json:"data"`
	}
)

// Tools returns the tool table served by flux, in listing order.
func Tools(s *Service) []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        ToolSpawnProcess,
			Description: "Spawn a new AO process. Set needsSqlite to use the template with the embedded lsqlite3 database. Returns the process id.",
			InputSchema: objectSchema(nil, map[string]string{
				"tags":        tagsSchema,
				"needsSqlite": `{"type": "boolean"}`,
			}),
			Handler: handle(func(ctx context.Context, a spawnArgs) (string, error) {
				pid, err := s.Spawn(ctx, a.Tags, a.NeedsSqlite)
				return string(pid), err
			}),
		},
		{
			Name:        ToolSendMessage,
			Description: "Send a message with optional tags to an existing AO process and return the data of the first message it emits.",
			InputSchema: objectSchema([]string{"processId", "data"}, map[string]string{
				"processId": processIDSchema,
				"data":      `{"type": "string"}`,
				"tags":      tagsSchema,
			}),
			Handler: handle(func(ctx context.Context, a sendArgs) (string, error) {
				return s.SendMessage(ctx, a.ProcessID, a.Data, a.Tags)
			}),
		},
		{
			Name:        ToolInstallPackage,
			Description: "Install an APM package in an existing AO process.",
			InputSchema: objectSchema([]string{"processId", "packageName"}, map[string]string{
				"processId":   processIDSchema,
				"packageName": `{"type": "string", "pattern": "^[@A-Za-z0-9_./-]+$"}`,
			}),
			Handler: handle(func(ctx context.Context, a installArgs) (string, error) {
				return s.InstallPackage(ctx, a.ProcessID, a.PackageName)
			}),
		},
		{
			Name:        ToolLoadNamedBlueprint,
			Description: "Load an official aos blueprint by name (for example token, chatroom, voting) in an existing AO process.",
			InputSchema: objectSchema([]string{"processId", "blueprintName"}, map[string]string{
				"processId":     processIDSchema,
				"blueprintName": `{"type": "string", "pattern": "^[A-Za-z0-9_-]+$"}`,
			}),
			Handler: handle(func(ctx context.Context, a namedBlueprintArgs) (string, error) {
				return s.LoadNamedBlueprint(ctx, a.ProcessID, a.BlueprintName)
			}),
		},
		{
			Name:        ToolLoadTokenBlueprint,
			Description: "Load the official token blueprint in an existing AO process.",
			InputSchema: objectSchema([]string{"processId"}, map[string]string{
				"processId": processIDSchema,
			}),
			Handler: handle(func(ctx context.Context, a processArgs) (string, error) {
				return s.LoadNamedBlueprint(ctx, a.ProcessID, "token")
			}),
		},
		{
			Name:        ToolLoadBlueprintFromURL,
			Description: "Download Lua source from a URL and evaluate it in an existing AO process.",
			InputSchema: objectSchema([]string{"processId", "url"}, map[string]string{
				"processId": processIDSchema,
				"url":       `{"type": "string", "minLength": 1}`,
			}),
			Handler: handle(func(ctx context.Context, a urlBlueprintArgs) (string, error) {
				return s.LoadBlueprintFromURL(ctx, a.ProcessID, a.URL)
			}),
		},
		{
			Name:        ToolLoadLocalBlueprint,
			Description: "Evaluate blueprint source supplied in the call in an existing AO process.",
			InputSchema: objectSchema([]string{"processId", "blueprintCode"}, map[string]string{
				"processId":     processIDSchema,
				"blueprintCode": `{"type": "string"}`,
			}),
			Handler: handle(func(ctx context.Context, a localBlueprintArgs) (string, error) {
				return s.LoadLocalBlueprint(ctx, a.ProcessID, a.BlueprintCode)
			}),
		},
		{
			Name:        ToolRunCode,
			Description: "Run Lua code in an existing AO process, with optional extra tags.",
			InputSchema: objectSchema([]string{"processId", "code"}, map[string]string{
				"processId": processIDSchema,
				"code":      `{"type": "string"}`,
				"tags":      tagsSchema,
			}),
			Handler: handle(func(ctx context.Context, a codeArgs) (string, error) {
				return s.RunCode(ctx, a.ProcessID, a.Code, a.Tags)
			}),
		},
		{
			Name:        ToolCreateHandler,
			Description: "Register a handler in an existing AO process by evaluating its Lua definition.",
			InputSchema: objectSchema([]string{"processId", "handlerCode"}, map[string]string{
				"processId":   processIDSchema,
				"handlerCode": `{"type": "string"}`,
			}),
			Handler: handle(func(ctx context.Context, a handlerArgs) (string, error) {
				return s.CreateHandler(ctx, a.ProcessID, a.HandlerCode)
			}),
		},
		{
			Name:        ToolCreateStatefulHandler,
			Description: "Register a handler backed by an in-memory sqlite database bound to the Db global. The process must have been spawned with needsSqlite.",
			InputSchema: objectSchema([]string{"processId", "handlerCode"}, map[string]string{
				"processId":   processIDSchema,
				"handlerCode": `{"type": "string"}`,
			}),
			Handler: handle(func(ctx context.Context, a handlerArgs) (string, error) {
				return s.CreateStatefulHandler(ctx, a.ProcessID, a.HandlerCode)
			}),
		},
		{
			Name:        ToolListHandlers,
			Description: "List the handlers registered in an existing AO process with the type of their match pattern.",
			InputSchema: objectSchema([]string{"processId"}, map[string]string{
				"processId": processIDSchema,
			}),
			Handler: handle(func(ctx context.Context, a processArgs) (string, error) {
				return s.ListHandlers(ctx, a.ProcessID)
			}),
		},
		{
			Name:        ToolRunHandlerByName,
			Description: "Invoke a named handler of an existing AO process with data and return the data of the first message it emits.",
			InputSchema: objectSchema([]string{"processId", "handlerName", "data"}, map[string]string{
				"processId":   processIDSchema,
				"handlerName": `{"type": "string", "minLength": 1}`,
				"data":        `{"type": "string"}`,
			}),
			Handler: handle(func(ctx context.Context, a runHandlerArgs) (string, error) {
				return s.RunHandler(ctx, a.ProcessID, a.HandlerName, a.Data)
			}),
		},
	}
}

// handle adapts a typed operation to an MCP tool handler returning one text
// block.
func handle[A any](fn func(ctx context.Context, args A) (string, error)) mcp.ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, invalidParams(fmt.Errorf("decode arguments: %w", err))
		}
		text, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(text), nil
	}
}

// objectSchema assembles an object schema from property schemas.
func objectSchema(required []string, props map[string]string) json.RawMessage {
	properties := make(map[string]json.RawMessage, len(props))
	for name, schema := range props {
		properties[name] = json.RawMessage(schema)
	}
	if required == nil {
		required = []string{}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("tool schema: %v", err))
	}
	return raw
}
