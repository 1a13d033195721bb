package aggregator

import (
	"context"
	"testing"

	"onemcp/internal/config"
	"onemcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addServer(t *testing.T, m *upstream.Manager, name string, client *upstream.FakeClient, cfg config.ServerConfig) *upstream.Connection {
	t.Helper()
	conn := upstream.NewConnection(name, name, client, cfg)
	conn.SetStatus(upstream.StatusConnected)
	require.NoError(t, m.AddConnection(conn))
	return conn
}

func TestAggregatorUpdate(t *testing.T) {
	m := upstream.NewManager(nil)
	addServer(t, m, "github", &upstream.FakeClient{
		Tools: []mcp.Tool{
			{Name: "create_issue"},
			{Name: "list_issues"},
		},
		Prompts: []mcp.Prompt{{Name: "review"}},
	}, config.ServerConfig{Tags: []string{"dev"}})
	addServer(t, m, "grafana", &upstream.FakeClient{
		Tools:     []mcp.Tool{{Name: "search_dashboards"}},
		Resources: []mcp.Resource{{URI: "grafana://dashboards"}},
	}, config.ServerConfig{})

	// A disconnected server contributes nothing.
	broken := upstream.NewConnection("broken", "broken", &upstream.FakeClient{}, config.ServerConfig{})
	require.NoError(t, m.AddConnection(broken))

	a := New(m)
	a.Update(context.Background())

	snap := a.Snapshot()
	assert.Equal(t, []string{"github", "grafana"}, snap.ReadyServers)
	assert.Len(t, snap.Servers["github"].Tools, 2)
	assert.Len(t, snap.Servers["github"].Prompts, 1)
	assert.Equal(t, []string{"dev"}, snap.Servers["github"].Tags)
	assert.Len(t, snap.Servers["grafana"].Resources, 1)
	assert.True(t, snap.ToolsChanged)
	assert.True(t, snap.ResourcesChanged)
	assert.True(t, snap.PromptsChanged)

	summary := a.Summarize()
	assert.Equal(t, Summary{Servers: 2, Tools: 3, Resources: 1, Prompts: 1}, summary)
}

func TestAggregatorChangeFlags(t *testing.T) {
	m := upstream.NewManager(nil)
	client := &upstream.FakeClient{Tools: []mcp.Tool{{Name: "a"}}}
	addServer(t, m, "srv", client, config.ServerConfig{})

	a := New(m)
	a.Update(context.Background())
	assert.True(t, a.Snapshot().ToolsChanged)

	// Identical capabilities on the next update means no change.
	a.Update(context.Background())
	assert.False(t, a.Snapshot().ToolsChanged)
	assert.False(t, a.Snapshot().ResourcesChanged)

	client.Tools = []mcp.Tool{{Name: "a"}, {Name: "b"}}
	a.Update(context.Background())
	assert.True(t, a.Snapshot().ToolsChanged)
	assert.False(t, a.Snapshot().PromptsChanged)
}

func TestAggregatorFilters(t *testing.T) {
	m := upstream.NewManager(nil)
	addServer(t, m, "srv", &upstream.FakeClient{
		Tools: []mcp.Tool{
			{Name: "read"},
			{Name: "write"},
			{Name: "delete"},
		},
	}, config.ServerConfig{
		// The whitelist wins even when a name also appears in disabled.
		EnabledTools:  []string{"read", "write"},
		DisabledTools: []string{"write", "delete"},
	})

	a := New(m)
	a.Update(context.Background())

	tools := a.Snapshot().Servers["srv"].Tools
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"read", "write"}, names)
}

func TestAggregatorDisabledOnly(t *testing.T) {
	m := upstream.NewManager(nil)
	addServer(t, m, "srv", &upstream.FakeClient{
		Tools: []mcp.Tool{{Name: "read"}, {Name: "delete"}},
	}, config.ServerConfig{DisabledTools: []string{"delete"}})

	a := New(m)
	a.Update(context.Background())

	tools := a.Snapshot().Servers["srv"].Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "read", tools[0].Name)
}

func TestAggregatorDedupAcrossServers(t *testing.T) {
	m := upstream.NewManager(nil)
	addServer(t, m, "server-b", &upstream.FakeClient{
		Tools: []mcp.Tool{{Name: "test-tool", Description: "from b"}},
	}, config.ServerConfig{})
	addServer(t, m, "server-a", &upstream.FakeClient{
		Tools: []mcp.Tool{{Name: "test-tool", Description: "from a"}},
	}, config.ServerConfig{})

	a := New(m)
	a.Update(context.Background())

	// The sort-earlier server keeps the duplicate name.
	snap := a.Snapshot()
	require.Len(t, snap.Servers["server-a"].Tools, 1)
	assert.Equal(t, "from a", snap.Servers["server-a"].Tools[0].Description)
	assert.Empty(t, snap.Servers["server-b"].Tools)
}

func TestAggregatorDedupWithinServer(t *testing.T) {
	m := upstream.NewManager(nil)
	addServer(t, m, "srv", &upstream.FakeClient{
		Tools: []mcp.Tool{
			{Name: "dup", Description: "first"},
			{Name: "dup", Description: "second"},
		},
	}, config.ServerConfig{})

	a := New(m)
	a.Update(context.Background())

	tools := a.Snapshot().Servers["srv"].Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "first", tools[0].Description)
}
