package lazy

import (
	"context"

	"onemcp/internal/registry"

	"github.com/mark3labs/mcp-go/mcp"
)

// Meta-tool names. These are the stable inbound surface of lazy mode.
const (
	MetaToolList   = "tool_list"
	MetaToolSchema = "tool_schema"
	MetaToolInvoke = "tool_invoke"
)

// IsMetaTool reports whether name is one of the three meta-tools.
func IsMetaTool(name string) bool {
	return name == MetaToolList || name == MetaToolSchema || name == MetaToolInvoke
}

// Provider exposes the meta-tools over an orchestrator.
type Provider struct {
	orch *Orchestrator
}

// NewProvider creates the meta-tool provider.
func NewProvider(orch *Orchestrator) *Provider {
	return &Provider{orch: orch}
}

// Tools returns the meta-tool definitions for the inbound tools/list.
func (p *Provider) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(MetaToolList,
			mcp.WithDescription("List available tools across all upstream MCP servers. "+
				"Returns lightweight summaries; use tool_schema for full input schemas."),
			mcp.WithString("server", mcp.Description("Only list tools from this server")),
			mcp.WithString("pattern", mcp.Description("Glob pattern matched against tool names, e.g. search_*")),
			mcp.WithString("tag", mcp.Description("Only list tools from servers carrying this tag")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tools to return")),
			mcp.WithString("cursor", mcp.Description("Continuation cursor from a previous call")),
		),
		mcp.NewTool(MetaToolSchema,
			mcp.WithDescription("Get the full input schema for one tool."),
			mcp.WithString("server", mcp.Required(), mcp.Description("Server the tool belongs to")),
			mcp.WithString("toolName", mcp.Required(), mcp.Description("Bare tool name on that server")),
		),
		mcp.NewTool(MetaToolInvoke,
			mcp.WithDescription("Invoke a tool on an upstream server."),
			mcp.WithString("server", mcp.Required(), mcp.Description("Server the tool belongs to")),
			mcp.WithString("toolName", mcp.Required(), mcp.Description("Bare tool name on that server")),
			mcp.WithObject("args", mcp.Description("Arguments passed to the tool")),
		),
	}
}

// Call dispatches a meta-tool invocation. The second return value reports
// whether name was a meta-tool at all.
func (p *Provider) Call(ctx context.Context, sessionID, name string, args map[string]interface{}) (*mcp.CallToolResult, bool) {
	switch name {
	case MetaToolList:
		return p.handleList(sessionID, args), true
	case MetaToolSchema:
		return p.handleSchema(ctx, sessionID, args), true
	case MetaToolInvoke:
		return p.handleInvoke(ctx, sessionID, args), true
	default:
		return nil, false
	}
}

func (p *Provider) handleList(sessionID string, args map[string]interface{}) *mcp.CallToolResult {
	filter := registry.Filter{}
	if v, ok := args["server"]; ok {
		s, ok := v.(string)
		if !ok {
			return errorResult(newError(ErrorValidation, "server must be a string"))
		}
		filter.Server = s
	}
	if v, ok := args["pattern"]; ok {
		s, ok := v.(string)
		if !ok {
			return errorResult(newError(ErrorValidation, "pattern must be a string"))
		}
		filter.NamePattern = s
	}
	if v, ok := args["tag"]; ok {
		s, ok := v.(string)
		if !ok {
			return errorResult(newError(ErrorValidation, "tag must be a string"))
		}
		if s != "" {
			filter.Tags = []string{s}
		}
	}
	if v, ok := args["limit"]; ok {
		n, ok := v.(float64)
		if !ok || n < 0 {
			return errorResult(newError(ErrorValidation, "limit must be a non-negative number"))
		}
		filter.Limit = int(n)
	}
	if v, ok := args["cursor"]; ok {
		s, ok := v.(string)
		if !ok {
			return errorResult(newError(ErrorValidation, "cursor must be a string"))
		}
		filter.Cursor = s
	}

	page, servers, lazyErr := p.orch.ListTools(sessionID, filter)
	if lazyErr != nil {
		return errorResult(lazyErr)
	}

	response := map[string]interface{}{
		"tools":      page.Entries,
		"totalCount": page.Total,
		"servers":    servers,
		"hasMore":    page.NextCursor != "",
	}
	if page.NextCursor != "" {
		response["nextCursor"] = page.NextCursor
	}
	return mcp.NewToolResultText(marshalJSON(response))
}

func (p *Provider) handleSchema(ctx context.Context, sessionID string, args map[string]interface{}) *mcp.CallToolResult {
	server, toolName, lazyErr := requireTarget(args)
	if lazyErr != nil {
		return errorResult(lazyErr)
	}

	schema, fromCache, lazyErr := p.orch.Schema(ctx, sessionID, server, toolName)
	if lazyErr != nil {
		return errorResult(lazyErr)
	}

	return mcp.NewToolResultText(marshalJSON(map[string]interface{}{
		"schema":    schema,
		"fromCache": fromCache,
	}))
}

func (p *Provider) handleInvoke(ctx context.Context, sessionID string, args map[string]interface{}) *mcp.CallToolResult {
	server, toolName, lazyErr := requireTarget(args)
	if lazyErr != nil {
		return errorResult(lazyErr)
	}

	toolArgs := map[string]interface{}{}
	if v, ok := args["args"]; ok && v != nil {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return errorResult(newError(ErrorValidation, "args must be an object"))
		}
		toolArgs = obj
	}

	result, lazyErr := p.orch.Invoke(ctx, sessionID, server, toolName, toolArgs)
	if lazyErr != nil {
		return errorResult(lazyErr)
	}

	return mcp.NewToolResultText(marshalJSON(map[string]interface{}{
		"result": result,
		"server": server,
		"tool":   toolName,
	}))
}

// requireTarget validates the server/toolName pair shared by tool_schema
// and tool_invoke.
func requireTarget(args map[string]interface{}) (server, toolName string, lazyErr *Error) {
	server, ok := args["server"].(string)
	if !ok || server == "" {
		return "", "", newError(ErrorValidation, "server is required")
	}
	toolName, ok = args["toolName"].(string)
	if !ok || toolName == "" {
		return "", "", newError(ErrorValidation, "toolName is required")
	}
	return server, toolName, nil
}

func errorResult(e *Error) *mcp.CallToolResult {
	result := mcp.NewToolResultText(marshalJSON(map[string]interface{}{"error": e}))
	result.IsError = true
	return result
}
