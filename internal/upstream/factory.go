package upstream

import (
	"fmt"
	"time"

	"onemcp/internal/config"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

const defaultRequestTimeout = 30 * time.Second

// NewClient creates the appropriate MCP client for a server definition.
// The transport is not opened here; callers connect via Initialize.
//
// Supported types:
//   - "stdio": local subprocess communication
//   - "streamable-http": HTTP-based servers
//   - "sse": Server-Sent Events servers
func NewClient(name string, serverConfig config.ServerConfig) (*Client, error) {
	timeout := serverConfig.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	switch serverConfig.Type {
	case config.TransportStdio:
		if serverConfig.Command == "" {
			return nil, fmt.Errorf("server %s: command is required for stdio type", name)
		}
		command := serverConfig.Command
		args := append([]string(nil), serverConfig.Args...)
		env := make([]string, 0, len(serverConfig.Env))
		for k, v := range serverConfig.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		return &Client{
			name:    name,
			timeout: timeout,
			newTransport: func() (client.MCPClient, error) {
				return client.NewStdioMCPClient(command, env, args...)
			},
		}, nil

	case config.TransportStreamableHTTP:
		if serverConfig.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for streamable-http type", name)
		}
		url := serverConfig.URL
		headers := copyHeaders(serverConfig.Headers)
		return &Client{
			name:       name,
			timeout:    timeout,
			needsStart: true,
			newTransport: func() (client.MCPClient, error) {
				if len(headers) > 0 {
					return client.NewStreamableHttpClient(url, transport.WithHTTPHeaders(headers))
				}
				return client.NewStreamableHttpClient(url)
			},
		}, nil

	case config.TransportSSE:
		if serverConfig.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for sse type", name)
		}
		url := serverConfig.URL
		headers := copyHeaders(serverConfig.Headers)
		return &Client{
			name:       name,
			timeout:    timeout,
			needsStart: true,
			newTransport: func() (client.MCPClient, error) {
				if len(headers) > 0 {
					return client.NewSSEMCPClient(url, client.WithHeaders(headers))
				}
				return client.NewSSEMCPClient(url)
			},
		}, nil

	default:
		return nil, fmt.Errorf("server %s: unsupported type %q (supported: %s, %s, %s)",
			name, serverConfig.Type, config.TransportStdio, config.TransportStreamableHTTP, config.TransportSSE)
	}
}

func copyHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		result[k] = v
	}
	return result
}
