package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/filtering"
	"onemcp/internal/lazy"
	"onemcp/internal/pool"
	"onemcp/internal/template"
	"onemcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	gateway    *Gateway
	manager    *upstream.Manager
	filesystem *upstream.FakeClient
	database   *upstream.FakeClient
}

func addConn(t *testing.T, m *upstream.Manager, key, name string, client *upstream.FakeClient, cfg config.ServerConfig) *upstream.Connection {
	t.Helper()
	conn := upstream.NewConnection(key, name, client, cfg)
	conn.SetStatus(upstream.StatusConnected)
	require.NoError(t, m.AddConnection(conn))
	return conn
}

func newFixture(t *testing.T, lazyCfg config.LazyLoadingConfig) *fixture {
	t.Helper()

	cfg := &config.Config{
		Gateway: config.GatewayConfig{Host: "localhost", Port: 0},
		MCPServers: map[string]config.ServerConfig{
			"filesystem": {Type: config.TransportStdio, Command: "fs-server"},
			"database":   {Type: config.TransportStdio, Command: "db-server", Tags: []string{"data"}},
		},
		LazyLoading: lazyCfg,
		Presets:     map[string][]string{"data-stack": {"data"}},
	}

	filesystem := &upstream.FakeClient{
		Tools:     []mcp.Tool{{Name: "read_file"}, {Name: "write_file"}},
		Resources: []mcp.Resource{{URI: "file:///repo"}},
	}
	database := &upstream.FakeClient{
		Tools:   []mcp.Tool{{Name: "query"}},
		Prompts: []mcp.Prompt{{Name: "review"}},
	}

	m := upstream.NewManager(nil)
	addConn(t, m, "filesystem", "filesystem", filesystem, cfg.MCPServers["filesystem"])
	addConn(t, m, "database", "database", database, cfg.MCPServers["database"])

	engine := template.New()
	p := pool.New(m, engine, config.PoolConfig{})
	agg := aggregator.New(m)

	orch, err := lazy.New(cfg.LazyLoading, ConnectionResolver(m, p))
	require.NoError(t, err)

	g := New(cfg, "test", m, agg, p, orch, filtering.NewService(cfg.Presets), engine)

	agg.Update(context.Background())
	g.syncLazyRegistry(context.Background())

	return &fixture{gateway: g, manager: m, filesystem: filesystem, database: database}
}

func TestResolveOutboundPrefersPerClientInstance(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	perClient := addConn(t, f.manager, "database:sess-1", "database",
		&upstream.FakeClient{}, config.ServerConfig{})

	conn := ResolveOutbound(f.manager, f.gateway.pool, "database", "sess-1")
	require.NotNil(t, conn)
	assert.Same(t, perClient, conn)

	// Other sessions fall through to the static connection.
	conn = ResolveOutbound(f.manager, f.gateway.pool, "database", "sess-2")
	require.NotNil(t, conn)
	assert.Equal(t, "database", conn.Key)

	assert.Nil(t, ResolveOutbound(f.manager, f.gateway.pool, "missing", "sess-1"))
}

func TestFilterConnectionsForSession(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})
	addConn(t, f.manager, "database:sess-1", "database", &upstream.FakeClient{}, config.ServerConfig{})

	keys := f.gateway.filterConnectionsForSession("sess-1")
	assert.ElementsMatch(t, []string{"filesystem", "database", "database:sess-1"}, keys)

	// Another session does not see sess-1's instance.
	keys = f.gateway.filterConnectionsForSession("sess-2")
	assert.ElementsMatch(t, []string{"filesystem", "database"}, keys)
}

func TestDesiredItemsNormalMode(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	tools, prompts, resources, _ := f.gateway.desiredItems()

	var names []string
	for _, st := range tools {
		names = append(names, st.Tool.Name)
	}
	assert.Contains(t, names, "filesystem_1mcp_read_file")
	assert.Contains(t, names, "database_1mcp_query")
	assert.Contains(t, names, "1mcp_1mcp_status")
	assert.NotContains(t, names, lazy.MetaToolList)

	require.Len(t, prompts, 1)
	assert.Equal(t, "database_1mcp_review", prompts[0].Prompt.Name)

	require.Len(t, resources, 1)
	assert.Equal(t, "filesystem_1mcp_file:///repo", resources[0].Resource.URI)
}

func TestDesiredItemsLazyMode(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{
		Enabled:      true,
		DirectExpose: []string{"read_file"},
	})

	tools, prompts, resources, _ := f.gateway.desiredItems()

	var names []string
	for _, st := range tools {
		names = append(names, st.Tool.Name)
	}
	assert.Contains(t, names, lazy.MetaToolList)
	assert.Contains(t, names, lazy.MetaToolSchema)
	assert.Contains(t, names, lazy.MetaToolInvoke)
	assert.Contains(t, names, "1mcp_1mcp_status")
	// Directly exposed tools keep their bare names.
	assert.Contains(t, names, "read_file")
	// Everything else stays behind the meta-surface.
	assert.NotContains(t, names, "filesystem_1mcp_read_file")
	assert.NotContains(t, names, "database_1mcp_query")

	// Resources and prompts are unaffected by lazy mode.
	assert.Len(t, prompts, 1)
	assert.Len(t, resources, 1)
}

func TestToolHandlerRoutesToUpstream(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	var gotName string
	var gotArgs map[string]interface{}
	f.database.CallToolFunc = func(name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		gotName = name
		gotArgs = args
		return mcp.NewToolResultText("42"), nil
	}

	exposed := "database_1mcp_query"
	f.gateway.toolSet.add(exposed)
	handler := f.gateway.toolHandler(exposed)

	req := mcp.CallToolRequest{}
	req.Params.Name = exposed
	req.Params.Arguments = map[string]interface{}{"sql": "select 1"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "query", gotName)
	assert.Equal(t, "select 1", gotArgs["sql"])
}

func TestToolHandlerUnknownServer(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	exposed := "ghost_1mcp_anything"
	f.gateway.toolSet.add(exposed)
	handler := f.gateway.toolHandler(exposed)

	_, err := handler(context.Background(), mcp.CallToolRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server not available")
}

func TestToolHandlerReservedName(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	exposed := BuildName(ReservedName, InternalToolStatus)
	f.gateway.toolSet.add(exposed)
	handler := f.gateway.toolHandler(exposed)

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &status))
	assert.Contains(t, status, "capabilities")
	assert.Contains(t, status, "connections")
}

func TestReadResourceReprefixesContents(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	f.filesystem.ReadResourceFunc = func(uri string) (*mcp.ReadResourceResult, error) {
		assert.Equal(t, "file:///repo", uri)
		return &mcp.ReadResourceResult{
			Contents: []mcp.ResourceContents{
				mcp.TextResourceContents{URI: "file:///repo", Text: "listing"},
				mcp.BlobResourceContents{URI: "file:///repo/img.png", Blob: "aGk="},
			},
		}, nil
	}

	contents, err := f.gateway.readResource(context.Background(), "", "filesystem_1mcp_file:///repo")
	require.NoError(t, err)
	require.Len(t, contents, 2)

	text := contents[0].(mcp.TextResourceContents)
	assert.Equal(t, "filesystem_1mcp_file:///repo", text.URI)
	assert.Equal(t, "listing", text.Text)

	blob := contents[1].(mcp.BlobResourceContents)
	assert.Equal(t, "filesystem_1mcp_file:///repo/img.png", blob.URI)
}

func TestFilterToolsForSessionByTags(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	session := f.gateway.sessions.GetOrCreate("sess-1")
	session.SetFilter(filtering.Settings{Mode: config.TagFilterSimpleOr, Tags: []string{"data"}})

	tools := []mcp.Tool{
		{Name: "filesystem_1mcp_read_file"},
		{Name: "database_1mcp_query"},
		{Name: "1mcp_1mcp_status"},
		{Name: lazy.MetaToolList},
	}

	filtered := f.gateway.filterToolsFor("sess-1", tools)

	var names []string
	for _, tool := range filtered {
		names = append(names, tool.Name)
	}
	// Only the tagged server's tools survive; reserved and unprefixed names
	// always pass.
	assert.ElementsMatch(t, []string{"database_1mcp_query", "1mcp_1mcp_status", lazy.MetaToolList}, names)

	// Unknown sessions see everything.
	assert.Len(t, f.gateway.filterToolsFor("nobody", tools), 4)
}

func TestFilterToolsForSessionPresetNameOnly(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	// A preset name without an explicit mode still activates filtering.
	session := f.gateway.sessions.GetOrCreate("sess-1")
	session.SetFilter(filtering.Settings{PresetName: "data-stack"})

	filtered := f.gateway.filterToolsFor("sess-1", []mcp.Tool{
		{Name: "filesystem_1mcp_read_file"},
		{Name: "database_1mcp_query"},
	})
	require.Len(t, filtered, 1)
	assert.Equal(t, "database_1mcp_query", filtered[0].Name)
}

func TestFilterPromptsForSessionByTags(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	session := f.gateway.sessions.GetOrCreate("sess-1")
	session.SetFilter(filtering.Settings{Mode: config.TagFilterSimpleOr, Tags: []string{"data"}})

	prompts := []mcp.Prompt{
		{Name: "database_1mcp_review"},
		{Name: "filesystem_1mcp_scaffold"},
	}

	filtered := f.gateway.filterPromptsFor("sess-1", prompts)
	require.Len(t, filtered, 1)
	assert.Equal(t, "database_1mcp_review", filtered[0].Name)

	// Unknown sessions see everything.
	assert.Len(t, f.gateway.filterPromptsFor("nobody", prompts), 2)
}

func TestFilterResourcesForSessionByTags(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	session := f.gateway.sessions.GetOrCreate("sess-1")
	session.SetFilter(filtering.Settings{Mode: config.TagFilterSimpleOr, Tags: []string{"data"}})

	resources := []mcp.Resource{
		{URI: "filesystem_1mcp_file:///repo"},
		{URI: "database_1mcp_db://tables"},
	}

	filtered := f.gateway.filterResourcesFor("sess-1", resources)
	require.Len(t, filtered, 1)
	assert.Equal(t, "database_1mcp_db://tables", filtered[0].URI)

	templates := []mcp.ResourceTemplate{
		mcp.NewResourceTemplate("filesystem_1mcp_file:///{path}", "files"),
		mcp.NewResourceTemplate("database_1mcp_db://{table}", "tables"),
	}
	filteredTemplates := f.gateway.filterResourceTemplatesFor("sess-1", templates)
	require.Len(t, filteredTemplates, 1)
	assert.Equal(t, "database_1mcp_db://{table}", filteredTemplates[0].URITemplate.Raw())
}

func TestServerOptionsPagination(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	base := len(f.gateway.serverOptions("", &server.Hooks{}))
	f.gateway.cfg.Session.EnablePagination = true
	assert.Equal(t, base+1, len(f.gateway.serverOptions("", &server.Hooks{})))
}

func TestInternalSetFilterScopesLazySession(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{Enabled: true})

	result, handled := f.gateway.internal.Call(context.Background(), "sess-1", InternalToolSetFilter, map[string]interface{}{
		"mode": config.TagFilterSimpleOr,
		"tags": []interface{}{"data"},
	})
	require.True(t, handled)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	allowed := f.gateway.lazy.AllowedServers("sess-1")
	require.NotNil(t, allowed)
	assert.True(t, allowed["database"])
	assert.False(t, allowed["filesystem"])
}

func TestInternalSetFilterRejectsBadMode(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	result, handled := f.gateway.internal.Call(context.Background(), "sess-1", InternalToolSetFilter, map[string]interface{}{
		"mode": "bogus",
	})
	require.True(t, handled)
	assert.True(t, result.IsError)
}

func TestInternalSetContext(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	result, handled := f.gateway.internal.Call(context.Background(), "sess-1", InternalToolSetContext, map[string]interface{}{
		"project": map[string]interface{}{"root": "/work"},
	})
	require.True(t, handled)
	assert.False(t, result.IsError)

	session, ok := f.gateway.sessions.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "/work", session.TemplateContext().Project["root"])
}

func TestPingUpstreamsAlwaysSucceeds(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})
	f.database.PingErr = assert.AnError

	assert.NoError(t, f.gateway.PingUpstreams(context.Background()))
}

func TestCompleteParsesRefTypes(t *testing.T) {
	f := newFixture(t, config.LazyLoadingConfig{})

	_, err := f.gateway.Complete(context.Background(), "", "ref/prompt", "database_1mcp_review", "branch", "ma")
	assert.NoError(t, err)

	_, err = f.gateway.Complete(context.Background(), "", "ref/resource", "filesystem_1mcp_file:///repo", "path", "")
	assert.NoError(t, err)

	_, err = f.gateway.Complete(context.Background(), "", "ref/other", "database_1mcp_review", "a", "")
	assert.Error(t, err)

	_, err = f.gateway.Complete(context.Background(), "", "ref/prompt", "unprefixed", "a", "")
	assert.Error(t, err)
}
