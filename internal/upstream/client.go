package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision the gateway speaks upstream.
const protocolVersion = "2024-11-05"

// MCPClient is the outbound client surface the rest of the gateway depends
// on. It is satisfied by Client and by test fakes.
type MCPClient interface {
	// Initialize establishes the connection and performs the protocol handshake.
	Initialize(ctx context.Context) error

	// Close cleanly shuts down the client connection.
	Close() error

	// Capabilities returns the capabilities the upstream advertised during
	// the handshake, or nil before Initialize succeeds.
	Capabilities() *mcp.ServerCapabilities

	// RequestTimeout returns the per-request deadline configured for this
	// transport.
	RequestTimeout() time.Duration

	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListToolsPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourcesPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListResourcesResult, error)
	ListResourceTemplatesPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListResourceTemplatesResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error

	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ListPromptsPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)

	Complete(ctx context.Context, ref interface{}, argName, argValue string) (*mcp.CompleteResult, error)

	Ping(ctx context.Context) error
}

// Client wraps an mcp-go client behind the MCPClient interface, guarding
// connected state and applying the per-request timeout to every call.
type Client struct {
	name    string
	timeout time.Duration

	newTransport func() (client.MCPClient, error)

	// needsStart is set for transports that require an explicit Start before
	// the handshake (SSE, streamable-http). Stdio starts its subprocess in
	// the constructor.
	needsStart bool

	mu           sync.RWMutex
	client       client.MCPClient
	connected    bool
	capabilities *mcp.ServerCapabilities
}

// Initialize establishes the connection and performs the protocol handshake.
// Calling Initialize on a connected client is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	mcpClient, err := c.newTransport()
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", c.name, err)
	}

	if c.needsStart {
		if starter, ok := mcpClient.(interface {
			Start(context.Context) error
		}); ok {
			if err := starter.Start(ctx); err != nil {
				mcpClient.Close()
				return fmt.Errorf("failed to start transport for %s: %w", c.name, err)
			}
		}
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "onemcp",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("UpstreamClient", "Error closing failed client for %s: %v", c.name, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol for %s: %w", c.name, err)
	}

	c.client = mcpClient
	c.connected = true
	c.capabilities = &initResult.Capabilities

	logging.Debug("UpstreamClient", "Initialized %s (server: %s %s)",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close cleanly shuts down the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.connected = false
	c.client = nil

	return err
}

// Capabilities returns the upstream's advertised capabilities.
func (c *Client) Capabilities() *mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// RequestTimeout returns the per-request deadline for this transport.
func (c *Client) RequestTimeout() time.Duration {
	return c.timeout
}

// acquire returns the underlying client or an error when disconnected.
func (c *Client) acquire() (client.MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client %s not connected", c.name)
	}
	return c.client, nil
}

// withDeadline derives a context bounded by the transport's request timeout
// unless the caller already carries a deadline.
func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ListTools returns all available tools from the server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

// ListToolsPage returns a single page of tools starting at cursor.
func (c *Client) ListToolsPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListToolsResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.ListToolsRequest{}
	req.Params.Cursor = cursor
	result, err := mcpClient.ListTools(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

// CallTool executes a specific tool and returns the result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

// ListResources returns all available resources from the server.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	result, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return result.Resources, nil
}

// ListResourcesPage returns a single page of resources starting at cursor.
func (c *Client) ListResourcesPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListResourcesResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.ListResourcesRequest{}
	req.Params.Cursor = cursor
	result, err := mcpClient.ListResources(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return result, nil
}

// ListResourceTemplatesPage returns a single page of resource templates.
func (c *Client) ListResourceTemplatesPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListResourceTemplatesResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.ListResourceTemplatesRequest{}
	req.Params.Cursor = cursor
	result, err := mcpClient.ListResourceTemplates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return result, nil
}

// ReadResource retrieves a specific resource.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	result, err := mcpClient.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	return result, nil
}

// Subscribe registers interest in change notifications for a resource.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	mcpClient, err := c.acquire()
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	if err := mcpClient.Subscribe(ctx, req); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	mcpClient, err := c.acquire()
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	if err := mcpClient.Unsubscribe(ctx, req); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// ListPrompts returns all available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	result, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return result.Prompts, nil
}

// ListPromptsPage returns a single page of prompts starting at cursor.
func (c *Client) ListPromptsPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListPromptsResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.ListPromptsRequest{}
	req.Params.Cursor = cursor
	result, err := mcpClient.ListPrompts(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return result, nil
}

// GetPrompt retrieves a specific prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := mcpClient.GetPrompt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return result, nil
}

// Complete requests argument completion for a prompt or resource reference.
func (c *Client) Complete(ctx context.Context, ref interface{}, argName, argValue string) (*mcp.CompleteResult, error) {
	mcpClient, err := c.acquire()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req := mcp.CompleteRequest{}
	req.Params.Ref = ref
	req.Params.Argument.Name = argName
	req.Params.Argument.Value = argValue
	result, err := mcpClient.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to complete: %w", err)
	}
	return result, nil
}

// Ping checks if the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	mcpClient, err := c.acquire()
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	return mcpClient.Ping(ctx)
}
