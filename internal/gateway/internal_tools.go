package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"onemcp/internal/config"
	"onemcp/internal/filtering"

	"github.com/mark3labs/mcp-go/mcp"
)

// Internal tool names, exposed under the reserved connection name.
const (
	InternalToolStatus      = "status"
	InternalToolSetFilter   = "session_set_filter"
	InternalToolSetContext  = "session_set_context"
	InternalToolComplete    = "complete"
	InternalToolSubscribe   = "resource_subscribe"
	InternalToolUnsubscribe = "resource_unsubscribe"
)

// InternalToolProvider serves the gateway's own management tools. They
// appear on the inbound surface as {ReservedName}{SEP}{name}.
type InternalToolProvider struct {
	gateway *Gateway
}

// NewInternalToolProvider creates the provider bound to a gateway.
func NewInternalToolProvider(g *Gateway) *InternalToolProvider {
	return &InternalToolProvider{gateway: g}
}

// Tools returns the internal tool definitions with bare names. The gateway
// prefixes them with the reserved connection name before registration.
func (p *InternalToolProvider) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(InternalToolStatus,
			mcp.WithDescription("Report gateway status: upstream connections, aggregated capabilities, pool and lazy-loading statistics."),
		),
		mcp.NewTool(InternalToolSetFilter,
			mcp.WithDescription("Set this session's tag filter. Mode is one of none, simple-or, advanced, preset."),
			mcp.WithString("mode", mcp.Required(), mcp.Description("Filter mode")),
			mcp.WithArray("tags", mcp.Description("Tags for simple-or mode")),
			mcp.WithString("expression", mcp.Description("Boolean tag expression for advanced mode, e.g. (dev AND NOT prod)")),
			mcp.WithString("preset", mcp.Description("Preset name for preset mode")),
		),
		mcp.NewTool(InternalToolSetContext,
			mcp.WithDescription("Set this session's template context bindings used when instantiating template servers."),
			mcp.WithObject("project", mcp.Description("Project bindings, referenced as ${project.key}")),
			mcp.WithObject("user", mcp.Description("User bindings, referenced as ${user.key}")),
			mcp.WithObject("environment", mcp.Description("Environment bindings, referenced as ${environment.key}")),
		),
		mcp.NewTool(InternalToolComplete,
			mcp.WithDescription("Request argument completion from the upstream owning a prompt or resource."),
			mcp.WithString("refType", mcp.Required(), mcp.Description("ref/prompt or ref/resource")),
			mcp.WithString("ref", mcp.Required(), mcp.Description("Exposed prompt name or resource URI")),
			mcp.WithString("argument", mcp.Required(), mcp.Description("Argument name to complete")),
			mcp.WithString("value", mcp.Description("Partial value typed so far")),
		),
		mcp.NewTool(InternalToolSubscribe,
			mcp.WithDescription("Subscribe to change notifications for an exposed resource URI."),
			mcp.WithString("uri", mcp.Required(), mcp.Description("Exposed resource URI")),
		),
		mcp.NewTool(InternalToolUnsubscribe,
			mcp.WithDescription("Remove a resource subscription."),
			mcp.WithString("uri", mcp.Required(), mcp.Description("Exposed resource URI")),
		),
	}
}

// Call dispatches an internal tool invocation. The second return value
// reports whether name matched an internal tool.
func (p *InternalToolProvider) Call(ctx context.Context, sessionID, name string, args map[string]interface{}) (*mcp.CallToolResult, bool) {
	switch name {
	case InternalToolStatus:
		return p.handleStatus(), true
	case InternalToolSetFilter:
		return p.handleSetFilter(sessionID, args), true
	case InternalToolSetContext:
		return p.handleSetContext(sessionID, args), true
	case InternalToolComplete:
		return p.handleComplete(ctx, sessionID, args), true
	case InternalToolSubscribe:
		return p.handleSubscribe(ctx, sessionID, args, true), true
	case InternalToolUnsubscribe:
		return p.handleSubscribe(ctx, sessionID, args, false), true
	default:
		return nil, false
	}
}

func (p *InternalToolProvider) handleStatus() *mcp.CallToolResult {
	g := p.gateway

	connections := make(map[string]string)
	for key, conn := range g.manager.Snapshot() {
		connections[key] = string(conn.Status())
	}

	status := map[string]interface{}{
		"capabilities": g.aggregator.Summarize(),
		"connections":  connections,
		"sessions":     g.sessions.Count(),
		"pool":         g.pool.Snapshot(),
	}
	if g.lazy.Enabled() {
		status["lazyLoading"] = g.lazy.Stats()
	}
	return jsonResult(status)
}

func (p *InternalToolProvider) handleSetFilter(sessionID string, args map[string]interface{}) *mcp.CallToolResult {
	mode, _ := args["mode"].(string)
	switch mode {
	case config.TagFilterNone, config.TagFilterSimpleOr, config.TagFilterAdvanced, config.TagFilterPreset:
	default:
		return errorText(fmt.Sprintf("invalid filter mode: %q", mode))
	}

	settings := filtering.Settings{Mode: mode}
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				settings.Tags = append(settings.Tags, s)
			}
		}
	}
	if expr, ok := args["expression"].(string); ok {
		settings.Expression = expr
	}
	if preset, ok := args["preset"].(string); ok {
		settings.PresetName = preset
	}

	session := p.gateway.sessions.GetOrCreate(sessionID)
	session.SetFilter(settings)
	p.gateway.applySessionFilter(session)

	allowed := p.gateway.lazy.AllowedServers(session.ID)
	response := map[string]interface{}{"mode": mode}
	if allowed != nil {
		servers := make([]string, 0, len(allowed))
		for name := range allowed {
			servers = append(servers, name)
		}
		response["allowedServers"] = servers
	}
	return jsonResult(response)
}

func (p *InternalToolProvider) handleSetContext(sessionID string, args map[string]interface{}) *mcp.CallToolResult {
	project, _ := args["project"].(map[string]interface{})
	user, _ := args["user"].(map[string]interface{})
	environment, _ := args["environment"].(map[string]interface{})
	if project == nil && user == nil && environment == nil {
		return errorText("at least one of project, user, environment is required")
	}

	session := p.gateway.sessions.GetOrCreate(sessionID)
	session.SetTemplateBindings(project, user, environment)

	return jsonResult(map[string]interface{}{"updated": true})
}

func (p *InternalToolProvider) handleComplete(ctx context.Context, sessionID string, args map[string]interface{}) *mcp.CallToolResult {
	refType, _ := args["refType"].(string)
	ref, _ := args["ref"].(string)
	argument, _ := args["argument"].(string)
	value, _ := args["value"].(string)
	if refType == "" || ref == "" || argument == "" {
		return errorText("refType, ref, and argument are required")
	}

	result, err := p.gateway.Complete(ctx, sessionID, refType, ref, argument, value)
	if err != nil {
		return errorText(err.Error())
	}
	return jsonResult(result)
}

func (p *InternalToolProvider) handleSubscribe(ctx context.Context, sessionID string, args map[string]interface{}, subscribe bool) *mcp.CallToolResult {
	uri, _ := args["uri"].(string)
	if uri == "" {
		return errorText("uri is required")
	}

	var err error
	if subscribe {
		err = p.gateway.SubscribeResource(ctx, sessionID, uri)
	} else {
		err = p.gateway.UnsubscribeResource(ctx, sessionID, uri)
	}
	if err != nil {
		return errorText(err.Error())
	}
	return jsonResult(map[string]interface{}{"uri": uri, "subscribed": subscribe})
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorText(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func errorText(msg string) *mcp.CallToolResult {
	result := mcp.NewToolResultText(msg)
	result.IsError = true
	return result
}
