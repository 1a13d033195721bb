package gateway

import (
	"context"
	"fmt"
	"strings"

	"onemcp/internal/lazy"
	"onemcp/internal/pool"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// sessionIDFromContext extracts the inbound session ID, or "" when the
// request arrived outside a tracked session.
func sessionIDFromContext(ctx context.Context) string {
	if s := server.ClientSessionFromContext(ctx); s != nil {
		return s.SessionID()
	}
	return ""
}

// ResolveOutbound maps a server name to the connection a session should
// use, trying the per-client key, the session's shareable instance key,
// and finally the static key.
func ResolveOutbound(manager *upstream.Manager, instancePool *pool.Pool, serverName, sessionID string) *upstream.Connection {
	if sessionID != "" {
		if conn, ok := manager.Get(upstream.MakeInstanceKey(serverName, sessionID)); ok {
			return conn
		}
		if key, ok := instancePool.InstanceKeyFor(sessionID, serverName); ok {
			if conn, ok := manager.Get(key); ok {
				return conn
			}
		}
	}
	if conn, ok := manager.Get(serverName); ok {
		return conn
	}
	return nil
}

// ConnectionResolver adapts ResolveOutbound to the lazy orchestrator's
// resolver signature.
func ConnectionResolver(manager *upstream.Manager, instancePool *pool.Pool) lazy.ConnectionResolver {
	return func(serverName, sessionID string) (*upstream.Connection, bool) {
		conn := ResolveOutbound(manager, instancePool, serverName, sessionID)
		return conn, conn != nil
	}
}

func (g *Gateway) resolveOutboundConnection(serverName, sessionID string) *upstream.Connection {
	return ResolveOutbound(g.manager, g.pool, serverName, sessionID)
}

// filterConnectionsForSession returns the connection keys visible to a
// session: static keys, this session's per-client instances, and the
// shareable instances this session has acquired.
func (g *Gateway) filterConnectionsForSession(sessionID string) []string {
	var keys []string
	for key := range g.manager.Snapshot() {
		if upstream.IsStaticKey(key) {
			keys = append(keys, key)
			continue
		}
		name, suffix := upstream.ParseKey(key)
		if suffix == sessionID {
			keys = append(keys, key)
			continue
		}
		if owned, ok := g.pool.InstanceKeyFor(sessionID, name); ok && owned == key {
			keys = append(keys, key)
		}
	}
	return keys
}

// connectionFor resolves the outbound connection for a call, creating a
// template instance on demand when the server is a template definition.
func (g *Gateway) connectionFor(ctx context.Context, serverName, sessionID string) (*upstream.Connection, error) {
	if conn := g.resolveOutboundConnection(serverName, sessionID); conn != nil {
		return conn, nil
	}

	sc, ok := g.cfg.MCPServers[serverName]
	if !ok {
		return nil, fmt.Errorf("server not available: %s", serverName)
	}
	if !pool.IsTemplate(g.engine, sc) {
		return nil, fmt.Errorf("server not available: %s", serverName)
	}

	session := g.sessions.GetOrCreate(sessionID)
	conn, err := g.pool.Acquire(ctx, serverName, sc, session.ID, session.TemplateContext())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire template instance for %s: %w", serverName, err)
	}
	return conn, nil
}

// callUpstream forwards a tool call to the resolved outbound connection.
func (g *Gateway) callUpstream(ctx context.Context, serverName, inner, sessionID string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn, err := g.connectionFor(ctx, serverName, sessionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected() {
		return nil, fmt.Errorf("server %s is not connected", serverName)
	}

	result, err := conn.Client.CallTool(ctx, inner, args)
	if err != nil {
		return nil, fmt.Errorf("tool execution failed: %w", err)
	}
	return result, nil
}

// toolHandler creates the handler for a prefixed inbound tool name. The
// reserved connection name routes to the internal-tools provider.
func (g *Gateway) toolHandler(exposed string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !g.toolSet.has(exposed) {
			return nil, fmt.Errorf("tool '%s' is no longer available", exposed)
		}

		sessionID := sessionIDFromContext(ctx)
		if session, ok := g.sessions.Get(sessionID); ok {
			session.Touch()
		}

		serverName, inner, ok := ParseName(exposed)
		if !ok {
			return nil, fmt.Errorf("invalid tool name: %s", exposed)
		}

		args := req.GetArguments()

		if serverName == ReservedName {
			result, handled := g.internal.Call(ctx, sessionID, inner, args)
			if !handled {
				return nil, fmt.Errorf("unknown internal tool: %s", inner)
			}
			return result, nil
		}

		return g.callUpstream(ctx, serverName, inner, sessionID, args)
	}
}

// metaToolHandler creates the handler for an unprefixed lazy meta-tool.
func (g *Gateway) metaToolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := sessionIDFromContext(ctx)
		if session, ok := g.sessions.Get(sessionID); ok {
			session.Touch()
		}

		result, handled := g.meta.Call(ctx, sessionID, name, req.GetArguments())
		if !handled {
			return nil, fmt.Errorf("unknown meta-tool: %s", name)
		}
		return result, nil
	}
}

// directToolHandler creates the handler for a directly exposed upstream
// tool, which keeps its bare name on the inbound surface.
func (g *Gateway) directToolHandler(owner, name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := sessionIDFromContext(ctx)
		return g.callUpstream(ctx, owner, name, sessionID, req.GetArguments())
	}
}

// promptHandler creates the handler for a prefixed inbound prompt name.
func (g *Gateway) promptHandler(exposed string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		if !g.promptSet.has(exposed) {
			return nil, fmt.Errorf("prompt '%s' is no longer available", exposed)
		}

		serverName, inner, ok := ParseName(exposed)
		if !ok {
			return nil, fmt.Errorf("invalid prompt name: %s", exposed)
		}

		sessionID := sessionIDFromContext(ctx)
		conn, err := g.connectionFor(ctx, serverName, sessionID)
		if err != nil {
			return nil, err
		}

		args := make(map[string]string, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}

		result, err := conn.Client.GetPrompt(ctx, inner, args)
		if err != nil {
			return nil, fmt.Errorf("prompt retrieval failed: %w", err)
		}
		return result, nil
	}
}

// resourceHandler creates the handler for a prefixed inbound resource URI.
// Contents URIs are re-prefixed on the way back so follow-up reads stay
// routable.
func (g *Gateway) resourceHandler(exposed string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if !g.resourceSet.has(exposed) {
			return nil, fmt.Errorf("resource '%s' is no longer available", exposed)
		}
		return g.readResource(ctx, sessionIDFromContext(ctx), exposed)
	}
}

// resourceTemplateHandler serves reads for URIs matching an exposed
// resource template.
func (g *Gateway) resourceTemplateHandler(exposedTemplate string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return g.readResource(ctx, sessionIDFromContext(ctx), req.Params.URI)
	}
}

// readResource strips the connection prefix, forwards the read, and
// re-prefixes the URIs inside the returned contents.
func (g *Gateway) readResource(ctx context.Context, sessionID, exposedURI string) ([]mcp.ResourceContents, error) {
	serverName, inner, ok := ParseName(exposedURI)
	if !ok {
		return nil, fmt.Errorf("invalid resource uri: %s", exposedURI)
	}

	conn, err := g.connectionFor(ctx, serverName, sessionID)
	if err != nil {
		return nil, err
	}

	result, err := conn.Client.ReadResource(ctx, inner)
	if err != nil {
		return nil, fmt.Errorf("resource read failed: %w", err)
	}

	contents := make([]mcp.ResourceContents, 0, len(result.Contents))
	for _, c := range result.Contents {
		contents = append(contents, reprefixContents(serverName, c))
	}
	return contents, nil
}

// reprefixContents rewrites the URI inside one resource contents value to
// its exposed composite form. Already-prefixed URIs pass through unchanged.
func reprefixContents(serverName string, c mcp.ResourceContents) mcp.ResourceContents {
	switch v := c.(type) {
	case mcp.TextResourceContents:
		if !strings.HasPrefix(v.URI, serverName+NameSeparator) {
			v.URI = BuildName(serverName, v.URI)
		}
		return v
	case mcp.BlobResourceContents:
		if !strings.HasPrefix(v.URI, serverName+NameSeparator) {
			v.URI = BuildName(serverName, v.URI)
		}
		return v
	default:
		return c
	}
}

// SubscribeResource subscribes the session to change notifications for an
// exposed resource URI.
func (g *Gateway) SubscribeResource(ctx context.Context, sessionID, exposedURI string) error {
	serverName, inner, ok := ParseName(exposedURI)
	if !ok {
		return fmt.Errorf("invalid resource uri: %s", exposedURI)
	}
	conn, err := g.connectionFor(ctx, serverName, sessionID)
	if err != nil {
		return err
	}
	return conn.Client.Subscribe(ctx, inner)
}

// UnsubscribeResource removes a resource subscription.
func (g *Gateway) UnsubscribeResource(ctx context.Context, sessionID, exposedURI string) error {
	serverName, inner, ok := ParseName(exposedURI)
	if !ok {
		return fmt.Errorf("invalid resource uri: %s", exposedURI)
	}
	conn, err := g.connectionFor(ctx, serverName, sessionID)
	if err != nil {
		return err
	}
	return conn.Client.Unsubscribe(ctx, inner)
}

// Complete forwards an argument-completion request. The reference type
// decides which field carries the exposed name: ref/prompt uses name,
// ref/resource uses uri.
func (g *Gateway) Complete(ctx context.Context, sessionID, refType, exposedRef, argName, argValue string) (*mcp.CompleteResult, error) {
	serverName, inner, ok := ParseName(exposedRef)
	if !ok {
		return nil, fmt.Errorf("invalid completion reference: %s", exposedRef)
	}

	conn, err := g.connectionFor(ctx, serverName, sessionID)
	if err != nil {
		return nil, err
	}

	var ref interface{}
	switch refType {
	case "ref/prompt":
		ref = mcp.PromptReference{Type: "ref/prompt", Name: inner}
	case "ref/resource":
		ref = mcp.ResourceReference{Type: "ref/resource", URI: inner}
	default:
		return nil, fmt.Errorf("unsupported completion reference type: %s", refType)
	}

	result, err := conn.Client.Complete(ctx, ref, argName, argValue)
	if err != nil {
		logging.Debug("Gateway", "Completion via %s failed: %v", serverName, err)
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	return result, nil
}
