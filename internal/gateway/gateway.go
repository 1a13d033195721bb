// Package gateway implements the inbound MCP server: it exposes the
// aggregated upstream capabilities under composite names, routes single-target
// requests to the right outbound connection, and scopes what each session
// sees through tag filtering and the lazy-loading orchestrator.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/filtering"
	"onemcp/internal/lazy"
	"onemcp/internal/pool"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

const (
	pingInterval = 30 * time.Second

	// listPageSize is the page size for inbound list responses when
	// pagination is enabled.
	listPageSize = 50
)

// Gateway binds the inbound MCP server to the routing, filtering,
// aggregation, and lazy-loading subsystems.
type Gateway struct {
	cfg        *config.Config
	version    string
	manager    *upstream.Manager
	aggregator *aggregator.Aggregator
	pool       *pool.Pool
	lazy       *lazy.Orchestrator
	meta       *lazy.Provider
	internal   *InternalToolProvider
	filters    *filtering.Service
	engine     *template.Engine
	sessions   *Store

	server               *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	stdioServer          *server.StdioServer

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex

	toolSet     *activeSet
	promptSet   *activeSet
	resourceSet *activeSet
	templateSet *activeSet
}

// New wires a gateway over the already-constructed subsystems. Call Start
// to bring up the inbound transport.
func New(cfg *config.Config, version string, manager *upstream.Manager, agg *aggregator.Aggregator, instancePool *pool.Pool, orch *lazy.Orchestrator, filters *filtering.Service, engine *template.Engine) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		version:     version,
		manager:     manager,
		aggregator:  agg,
		pool:        instancePool,
		lazy:        orch,
		meta:        lazy.NewProvider(orch),
		filters:     filters,
		engine:      engine,
		sessions:    NewStore(cfg.Session),
		toolSet:     newActiveSet(),
		promptSet:   newActiveSet(),
		resourceSet: newActiveSet(),
		templateSet: newActiveSet(),
	}
	g.internal = NewInternalToolProvider(g)
	return g
}

// Sessions exposes the session store, mainly for the internal tools.
func (g *Gateway) Sessions() *Store { return g.sessions }

// Start creates the MCP server, registers the current capability set, and
// launches the configured inbound transport.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.server != nil {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}

	g.ctx, g.cancelFunc = context.WithCancel(ctx)

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		g.registerSession(session.SessionID())
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		g.dropSession(session.SessionID())
	})
	// mcp-go has no prompt/resource analogue of WithToolFilter; the
	// after-list hooks mutate the result in place before it is sent.
	hooks.AddAfterListPrompts(func(ctx context.Context, _ any, _ *mcp.ListPromptsRequest, result *mcp.ListPromptsResult) {
		result.Prompts = g.filterPromptsFor(sessionIDFromContext(ctx), result.Prompts)
	})
	hooks.AddAfterListResources(func(ctx context.Context, _ any, _ *mcp.ListResourcesRequest, result *mcp.ListResourcesResult) {
		result.Resources = g.filterResourcesFor(sessionIDFromContext(ctx), result.Resources)
	})
	hooks.AddAfterListResourceTemplates(func(ctx context.Context, _ any, _ *mcp.ListResourceTemplatesRequest, result *mcp.ListResourceTemplatesResult) {
		result.ResourceTemplates = g.filterResourceTemplatesFor(sessionIDFromContext(ctx), result.ResourceTemplates)
	})

	instructions := aggregator.RenderInstructions(
		g.aggregator.Snapshot(),
		g.configuredInstructions(),
		g.cfg.Session.CustomTemplate,
		g.cfg.Session.TemplateSizeLimit,
	)

	g.server = server.NewMCPServer("onemcp", g.version, g.serverOptions(instructions, hooks)...)
	g.mu.Unlock()

	g.syncLazyRegistry(g.ctx)
	g.updateHandlers()

	g.manager.OnChange(func() {
		g.aggregator.Update(g.ctx)
		g.syncLazyRegistry(g.ctx)
		g.updateHandlers()
	})

	g.wg.Add(1)
	go g.pingLoop()

	addr := fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	switch g.cfg.Gateway.Transport {
	case config.TransportSSE:
		logging.Info("Gateway", "Starting inbound MCP server with SSE transport on %s", addr)
		baseURL := fmt.Sprintf("http://%s", addr)
		g.sseServer = server.NewSSEServer(
			g.server,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(pingInterval),
		)
		sseServer := g.sseServer
		go func() {
			if err := sseServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Gateway", err, "SSE server error")
			}
		}()

	case config.TransportStdio:
		logging.Info("Gateway", "Starting inbound MCP server with stdio transport")
		g.stdioServer = server.NewStdioServer(g.server)
		stdioServer := g.stdioServer
		go func() {
			if err := stdioServer.Listen(g.ctx, os.Stdin, os.Stdout); err != nil {
				logging.Error("Gateway", err, "Stdio server error")
			}
		}()

	case config.TransportStreamableHTTP:
		fallthrough
	default:
		logging.Info("Gateway", "Starting inbound MCP server with streamable-http transport on %s", addr)
		g.streamableHTTPServer = server.NewStreamableHTTPServer(g.server)
		streamableServer := g.streamableHTTPServer
		go func() {
			if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Gateway", err, "Streamable HTTP server error")
			}
		}()
	}

	return nil
}

// serverOptions assembles the inbound server configuration. Pagination of
// list responses is opt-in via the session defaults.
func (g *Gateway) serverOptions(instructions string, hooks *server.Hooks) []server.ServerOption {
	opts := []server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithInstructions(instructions),
		server.WithToolFilter(g.filterToolsForSession),
		server.WithHooks(hooks),
	}
	if g.cfg.Session.EnablePagination {
		opts = append(opts, server.WithPaginationLimit(listPageSize))
	}
	return opts
}

// Stop shuts down the inbound transport and background routines.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.server == nil {
		g.mu.Unlock()
		return fmt.Errorf("gateway not started")
	}

	logging.Info("Gateway", "Stopping inbound MCP server")

	cancelFunc := g.cancelFunc
	sseServer := g.sseServer
	streamableServer := g.streamableHTTPServer
	g.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if sseServer != nil {
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Gateway", err, "Error shutting down SSE server")
		}
	}
	if streamableServer != nil {
		if err := streamableServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Gateway", err, "Error shutting down streamable HTTP server")
		}
	}
	// The stdio server stops on context cancellation.

	g.wg.Wait()

	g.mu.Lock()
	g.server = nil
	g.sseServer = nil
	g.streamableHTTPServer = nil
	g.stdioServer = nil
	g.mu.Unlock()

	return nil
}

// registerSession initializes per-session state and applies the default tag
// filter to the lazy orchestrator's session scope.
func (g *Gateway) registerSession(sessionID string) {
	session := g.sessions.GetOrCreate(sessionID)
	g.applySessionFilter(session)
	logging.Debug("Gateway", "Registered inbound session %s", session.ID)
}

// dropSession releases everything attached to a finished session: template
// instances, lazy scoping, and the session state itself.
func (g *Gateway) dropSession(sessionID string) {
	g.pool.ReleaseSession(sessionID)
	g.lazy.ClearSession(sessionID)
	g.sessions.Delete(sessionID)
	logging.Debug("Gateway", "Dropped inbound session %s", sessionID)
}

// applySessionFilter recomputes the session's allowed-server set from its
// tag filter and pushes it into the lazy orchestrator.
func (g *Gateway) applySessionFilter(session *SessionState) {
	allowed := g.filters.AllowedServers(session.Filter(), g.tagsByServer())
	g.lazy.SetAllowedServers(session.ID, allowed)
}

// tagsByServer collapses the current snapshot to server name → tags.
func (g *Gateway) tagsByServer() map[string][]string {
	snap := g.aggregator.Snapshot()
	tags := make(map[string][]string, len(snap.Servers))
	for _, caps := range snap.Servers {
		if _, ok := tags[caps.Name]; !ok {
			tags[caps.Name] = caps.Tags
		}
	}
	return tags
}

// syncLazyRegistry rebuilds the lazy tool registry from the current
// snapshot. Instances of the same template server collapse onto one name.
func (g *Gateway) syncLazyRegistry(ctx context.Context) {
	if !g.lazy.Enabled() {
		return
	}
	snap := g.aggregator.Snapshot()
	toolsByServer := make(map[string][]mcp.Tool, len(snap.Servers))
	for _, key := range snap.ReadyServers {
		caps := snap.Servers[key]
		if _, ok := toolsByServer[caps.Name]; ok {
			continue
		}
		toolsByServer[caps.Name] = caps.Tools
	}
	g.lazy.Rebuild(ctx, toolsByServer, g.tagsByServer())
}

// configuredInstructions collects the per-server instruction strings.
func (g *Gateway) configuredInstructions() map[string]string {
	configured := make(map[string]string)
	for name, sc := range g.cfg.MCPServers {
		if sc.Instructions != "" {
			configured[name] = sc.Instructions
		}
	}
	return configured
}

// filterToolsForSession is installed as the inbound tool filter. It trims
// the tools/list response to what the requesting session may see: tools of
// servers passing the session's tag filter and resolvable for this session.
func (g *Gateway) filterToolsForSession(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	return g.filterToolsFor(sessionIDFromContext(ctx), tools)
}

func (g *Gateway) filterToolsFor(sessionID string, tools []mcp.Tool) []mcp.Tool {
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		return tools
	}
	session.Touch()

	allowed := g.filters.AllowedServers(session.Filter(), g.tagsByServer())

	filtered := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if g.visibleToSession(tool.Name, sessionID, allowed) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// filterPromptsFor scopes a prompts/list response to the session, with the
// same visibility rule as the tool filter.
func (g *Gateway) filterPromptsFor(sessionID string, prompts []mcp.Prompt) []mcp.Prompt {
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		return prompts
	}
	session.Touch()

	allowed := g.filters.AllowedServers(session.Filter(), g.tagsByServer())

	filtered := make([]mcp.Prompt, 0, len(prompts))
	for _, prompt := range prompts {
		if g.visibleToSession(prompt.Name, sessionID, allowed) {
			filtered = append(filtered, prompt)
		}
	}
	return filtered
}

// filterResourcesFor scopes a resources/list response to the session.
func (g *Gateway) filterResourcesFor(sessionID string, resources []mcp.Resource) []mcp.Resource {
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		return resources
	}
	session.Touch()

	allowed := g.filters.AllowedServers(session.Filter(), g.tagsByServer())

	filtered := make([]mcp.Resource, 0, len(resources))
	for _, resource := range resources {
		if g.visibleToSession(resource.URI, sessionID, allowed) {
			filtered = append(filtered, resource)
		}
	}
	return filtered
}

// filterResourceTemplatesFor scopes a resources/templates/list response.
func (g *Gateway) filterResourceTemplatesFor(sessionID string, templates []mcp.ResourceTemplate) []mcp.ResourceTemplate {
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		return templates
	}
	session.Touch()

	allowed := g.filters.AllowedServers(session.Filter(), g.tagsByServer())

	filtered := make([]mcp.ResourceTemplate, 0, len(templates))
	for _, rt := range templates {
		if g.visibleToSession(rt.URITemplate.Raw(), sessionID, allowed) {
			filtered = append(filtered, rt)
		}
	}
	return filtered
}

// visibleToSession applies the per-session scoping rule to one exposed
// name or URI: unprefixed and reserved names always pass, servers outside
// the session's tag filter are dropped, and template servers stay hidden
// until this session holds an instance.
func (g *Gateway) visibleToSession(exposed, sessionID string, allowed map[string]bool) bool {
	serverName, _, prefixed := ParseName(exposed)
	if !prefixed || serverName == ReservedName {
		// Meta-tools, directly exposed tools, internal tools.
		return true
	}
	if allowed != nil && !allowed[serverName] {
		return false
	}
	if g.resolveOutboundConnection(serverName, sessionID) == nil && !g.isStaticServer(serverName) {
		return false
	}
	return true
}

// isStaticServer reports whether name is configured as a non-template server.
func (g *Gateway) isStaticServer(name string) bool {
	sc, ok := g.cfg.MCPServers[name]
	if !ok {
		return false
	}
	return !pool.IsTemplate(g.engine, sc)
}

// updateHandlers diffs the desired inbound surface against what is
// currently registered and applies the difference in batches.
func (g *Gateway) updateHandlers() {
	g.mu.RLock()
	srv := g.server
	g.mu.RUnlock()
	if srv == nil {
		return
	}

	tools, prompts, resources, templates := g.desiredItems()

	if gone := g.toolSet.missing(namesOfTools(tools)); len(gone) > 0 {
		srv.DeleteTools(gone...)
		for _, name := range gone {
			g.toolSet.remove(name)
		}
	}
	if gone := g.promptSet.missing(namesOfPrompts(prompts)); len(gone) > 0 {
		srv.DeletePrompts(gone...)
		for _, name := range gone {
			g.promptSet.remove(name)
		}
	}
	for _, uri := range g.resourceSet.missing(urisOfResources(resources)) {
		srv.RemoveResource(uri)
		g.resourceSet.remove(uri)
	}

	var toolsToAdd []server.ServerTool
	for _, st := range tools {
		if g.toolSet.add(st.Tool.Name) {
			toolsToAdd = append(toolsToAdd, st)
		}
	}
	if len(toolsToAdd) > 0 {
		srv.AddTools(toolsToAdd...)
	}

	var promptsToAdd []server.ServerPrompt
	for _, sp := range prompts {
		if g.promptSet.add(sp.Prompt.Name) {
			promptsToAdd = append(promptsToAdd, sp)
		}
	}
	if len(promptsToAdd) > 0 {
		srv.AddPrompts(promptsToAdd...)
	}

	var resourcesToAdd []server.ServerResource
	for _, sr := range resources {
		if g.resourceSet.add(sr.Resource.URI) {
			resourcesToAdd = append(resourcesToAdd, sr)
		}
	}
	if len(resourcesToAdd) > 0 {
		srv.AddResources(resourcesToAdd...)
	}

	// Resource templates have no batch or removal API; register each
	// exposed uriTemplate once.
	for _, rt := range templates {
		if g.templateSet.add(rt.URITemplate.Raw()) {
			srv.AddResourceTemplate(rt, g.resourceTemplateHandler(rt.URITemplate.Raw()))
		}
	}

	logging.Debug("Gateway", "Inbound surface: %d tools, %d prompts, %d resources",
		g.toolSet.len(), g.promptSet.len(), g.resourceSet.len())
}

// desiredItems computes the full inbound surface from the current snapshot.
// In lazy mode the tool surface is the three meta-tools plus internal tools
// plus directly exposed upstream tools; resources and prompts are exposed
// either way.
func (g *Gateway) desiredItems() ([]server.ServerTool, []server.ServerPrompt, []server.ServerResource, []mcp.ResourceTemplate) {
	snap := g.aggregator.Snapshot()

	var tools []server.ServerTool
	var prompts []server.ServerPrompt
	var resources []server.ServerResource
	var templates []mcp.ResourceTemplate

	if g.lazy.Enabled() {
		for _, tool := range g.meta.Tools() {
			tool := tool
			tools = append(tools, server.ServerTool{Tool: tool, Handler: g.metaToolHandler(tool.Name)})
		}
		tools = append(tools, g.directExposeTools(snap)...)
	} else {
		seen := make(map[string]bool)
		for _, key := range snap.ReadyServers {
			caps := snap.Servers[key]
			for _, tool := range caps.Tools {
				exposed := BuildName(caps.Name, tool.Name)
				if seen[exposed] {
					continue
				}
				seen[exposed] = true
				t := tool
				t.Name = exposed
				tools = append(tools, server.ServerTool{Tool: t, Handler: g.toolHandler(exposed)})
			}
		}
	}

	for _, tool := range g.internal.Tools() {
		exposed := BuildName(ReservedName, tool.Name)
		t := tool
		t.Name = exposed
		tools = append(tools, server.ServerTool{Tool: t, Handler: g.toolHandler(exposed)})
	}

	seenPrompts := make(map[string]bool)
	seenResources := make(map[string]bool)
	seenTemplates := make(map[string]bool)
	for _, key := range snap.ReadyServers {
		caps := snap.Servers[key]
		for _, prompt := range caps.Prompts {
			exposed := BuildName(caps.Name, prompt.Name)
			if seenPrompts[exposed] {
				continue
			}
			seenPrompts[exposed] = true
			p := prompt
			p.Name = exposed
			prompts = append(prompts, server.ServerPrompt{Prompt: p, Handler: g.promptHandler(exposed)})
		}
		for _, resource := range caps.Resources {
			exposed := BuildName(caps.Name, resource.URI)
			if seenResources[exposed] {
				continue
			}
			seenResources[exposed] = true
			r := resource
			r.URI = exposed
			resources = append(resources, server.ServerResource{Resource: r, Handler: g.resourceHandler(exposed)})
		}
		for _, rt := range caps.ResourceTemplates {
			raw := rt.URITemplate.Raw()
			exposed := BuildName(caps.Name, raw)
			if seenTemplates[exposed] {
				continue
			}
			seenTemplates[exposed] = true
			templates = append(templates, mcp.NewResourceTemplate(exposed, rt.Name,
				mcp.WithTemplateDescription(rt.Description),
				mcp.WithTemplateMIMEType(rt.MIMEType)))
		}
	}

	return tools, prompts, resources, templates
}

// directExposeTools returns the upstream tools configured to bypass the
// lazy meta-surface. They keep their bare names.
func (g *Gateway) directExposeTools(snap *aggregator.Snapshot) []server.ServerTool {
	var tools []server.ServerTool
	for _, key := range snap.ReadyServers {
		caps := snap.Servers[key]
		for _, tool := range caps.Tools {
			if !g.lazy.IsDirectExposed(tool.Name) {
				continue
			}
			owner := caps.Name
			name := tool.Name
			tools = append(tools, server.ServerTool{
				Tool:    tool,
				Handler: g.directToolHandler(owner, name),
			})
		}
	}
	return tools
}

// pingLoop pings every connected upstream on an interval. Failures are
// logged and never surfaced; a ping round always succeeds.
func (g *Gateway) pingLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.PingUpstreams(g.ctx)
		}
	}
}

// PingUpstreams pings all connected upstreams concurrently. It always
// returns nil; individual failures are logged only.
func (g *Gateway) PingUpstreams(ctx context.Context) error {
	var eg errgroup.Group
	for key, conn := range g.manager.Snapshot() {
		if !conn.IsConnected() {
			continue
		}
		key, conn := key, conn
		eg.Go(func() error {
			if err := conn.Client.Ping(ctx); err != nil {
				logging.Warn("Gateway", "Ping to %s failed: %v", key, err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return nil
}

// activeSet tracks which exposed names are currently registered.
type activeSet struct {
	mu    sync.RWMutex
	items map[string]bool
}

func newActiveSet() *activeSet {
	return &activeSet{items: make(map[string]bool)}
}

// add records name and reports whether it was new.
func (s *activeSet) add(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[name] {
		return false
	}
	s.items[name] = true
	return true
}

func (s *activeSet) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, name)
}

func (s *activeSet) has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[name]
}

func (s *activeSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// missing returns registered names absent from desired, sorted.
func (s *activeSet) missing(desired map[string]bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var gone []string
	for name := range s.items {
		if !desired[name] {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	return gone
}

func namesOfTools(tools []server.ServerTool) map[string]bool {
	names := make(map[string]bool, len(tools))
	for _, t := range tools {
		names[t.Tool.Name] = true
	}
	return names
}

func namesOfPrompts(prompts []server.ServerPrompt) map[string]bool {
	names := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		names[p.Prompt.Name] = true
	}
	return names
}

func urisOfResources(resources []server.ServerResource) map[string]bool {
	uris := make(map[string]bool, len(resources))
	for _, r := range resources {
		uris[r.Resource.URI] = true
	}
	return uris
}
