// Package lazy implements the lazy loading layer: a tool registry of
// summaries, an on-demand schema cache, and the three meta-tools that
// replace the full tool catalogue at the inbound boundary.
package lazy

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"onemcp/internal/cache"
	"onemcp/internal/config"
	"onemcp/internal/registry"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// ErrorType classifies meta-tool failures.
type ErrorType string

const (
	ErrorValidation ErrorType = "validation"
	ErrorNotFound   ErrorType = "not_found"
	ErrorUpstream   ErrorType = "upstream"
	ErrorInternal   ErrorType = "internal"
)

// Error is the structured error carried inside meta-tool responses. It
// never crosses the MCP boundary as a protocol error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newError(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// ConnectionResolver resolves the outbound connection serving a server name
// for a session, honoring template instance keys.
type ConnectionResolver func(server, sessionID string) (*upstream.Connection, bool)

// Orchestrator owns the registry, the schema cache, and per-session server
// scoping for the meta-tools.
type Orchestrator struct {
	cfg      config.LazyLoadingConfig
	registry *registry.Registry
	schemas  *cache.Cache[mcp.Tool]
	resolve  ConnectionResolver

	loaded atomic.Int64

	mu      sync.RWMutex
	allowed map[string]map[string]bool
}

// New creates the orchestrator. The resolver is how schema loads and
// invocations reach upstream connections.
func New(cfg config.LazyLoadingConfig, resolve ConnectionResolver) (*Orchestrator, error) {
	maxEntries := cfg.Cache.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	var ttl time.Duration
	if cfg.Cache.TTLMs > 0 {
		ttl = time.Duration(cfg.Cache.TTLMs) * time.Millisecond
	}
	schemas, err := cache.New[mcp.Tool](maxEntries, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}

	return &Orchestrator{
		cfg:      cfg,
		registry: registry.New(),
		schemas:  schemas,
		resolve:  resolve,
		allowed:  make(map[string]map[string]bool),
	}, nil
}

// Enabled reports whether lazy mode is on.
func (o *Orchestrator) Enabled() bool {
	return o.cfg.Enabled
}

// IsDirectExposed reports whether a bare upstream tool name bypasses the
// meta layer and stays directly visible in lazy mode.
func (o *Orchestrator) IsDirectExposed(name string) bool {
	for _, n := range o.cfg.DirectExpose {
		if n == name {
			return true
		}
	}
	return false
}

// Rebuild replaces the registry from fresh aggregation results and runs
// schema preloading.
func (o *Orchestrator) Rebuild(ctx context.Context, toolsByServer map[string][]mcp.Tool, tagsByServer map[string][]string) {
	o.registry.Rebuild(toolsByServer, tagsByServer)
	o.preload(ctx)
}

// SetAllowedServers restricts a session's meta-tool view to the given
// server set. A nil set removes the restriction.
func (o *Orchestrator) SetAllowedServers(sessionID string, servers map[string]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if servers == nil {
		delete(o.allowed, sessionID)
		return
	}
	o.allowed[sessionID] = servers
}

// ClearSession drops a closing session's scoping state.
func (o *Orchestrator) ClearSession(sessionID string) {
	o.SetAllowedServers(sessionID, nil)
}

// AllowedServers returns the session's restriction, or nil when
// unrestricted.
func (o *Orchestrator) AllowedServers(sessionID string) map[string]bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.allowed[sessionID]
}

func (o *Orchestrator) scopedRegistry(sessionID string) *registry.Registry {
	return o.registry.FilteredView(o.AllowedServers(sessionID))
}

// ListTools serves tool_list: a session-scoped page of tool summaries.
func (o *Orchestrator) ListTools(sessionID string, filter registry.Filter) (*registry.Page, []string, *Error) {
	scoped := o.scopedRegistry(sessionID)
	page, err := scoped.List(filter)
	if err != nil {
		return nil, nil, newError(ErrorValidation, "invalid cursor: %v", err)
	}
	return page, scoped.Servers(), nil
}

// Schema serves tool_schema: the full tool definition for (server, tool),
// loaded from upstream at most once per key under concurrent demand.
func (o *Orchestrator) Schema(ctx context.Context, sessionID, server, toolName string) (mcp.Tool, bool, *Error) {
	if !o.scopedRegistry(sessionID).Has(server, toolName) {
		return mcp.Tool{}, false, newError(ErrorNotFound, "Tool not found: %s:%s", server, toolName)
	}

	tool, cached, err := o.schemas.Get(ctx, schemaKey(server, toolName), o.loader(server, sessionID, toolName))
	if err != nil {
		if lazyErr, ok := err.(*Error); ok {
			return mcp.Tool{}, false, lazyErr
		}
		return mcp.Tool{}, false, newError(ErrorUpstream, "failed to load schema for %s:%s: %v", server, toolName, err)
	}
	return tool, cached, nil
}

// loader fetches a tool's full definition by listing the upstream's tools.
func (o *Orchestrator) loader(server, sessionID, toolName string) cache.LoaderFunc[mcp.Tool] {
	return func(ctx context.Context) (mcp.Tool, error) {
		conn, ok := o.resolve(server, sessionID)
		if !ok {
			return mcp.Tool{}, newError(ErrorInternal, "no connection for server %s", server)
		}
		if !conn.IsConnected() {
			return mcp.Tool{}, newError(ErrorUpstream, "server %s not connected", server)
		}

		if o.cfg.Fallback.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.Fallback.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		tools, err := conn.Client.ListTools(ctx)
		if err != nil {
			return mcp.Tool{}, err
		}
		for _, t := range tools {
			if t.Name == toolName {
				o.loaded.Add(1)
				return t, nil
			}
		}
		return mcp.Tool{}, newError(ErrorNotFound, "Tool not found: %s:%s", server, toolName)
	}
}

// Invoke serves tool_invoke: dispatch a call to the upstream tool after
// scope and connectivity checks.
func (o *Orchestrator) Invoke(ctx context.Context, sessionID, server, toolName string, args map[string]interface{}) (*mcp.CallToolResult, *Error) {
	if !o.scopedRegistry(sessionID).Has(server, toolName) {
		return nil, newError(ErrorNotFound, "Tool not found: %s:%s", server, toolName)
	}

	conn, ok := o.resolve(server, sessionID)
	if !ok {
		return nil, newError(ErrorNotFound, "Server not found: %s", server)
	}
	if !conn.IsConnected() {
		return nil, newError(ErrorUpstream, "server %s not connected", server)
	}

	result, err := conn.Client.CallTool(ctx, toolName, args)
	if err != nil {
		if isToolNotFound(err) {
			return nil, newError(ErrorNotFound, "Tool not found: %s:%s: %v", server, toolName, err)
		}
		return nil, newError(ErrorUpstream, "call to %s:%s failed: %v", server, toolName, err)
	}
	return result, nil
}

func isToolNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tool not found") || strings.Contains(msg, "unknown tool")
}

// preload eagerly caches schemas for tools matching the configured server
// globs or name keywords. Invalid patterns and load failures are logged
// and skipped.
func (o *Orchestrator) preload(ctx context.Context) {
	if len(o.cfg.Preload.Patterns) == 0 && len(o.cfg.Preload.Keywords) == 0 {
		return
	}

	page, err := o.registry.List(registry.Filter{})
	if err != nil {
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	count := 0
	for _, entry := range page.Entries {
		if !o.shouldPreload(entry) {
			continue
		}
		entry := entry
		count++
		g.Go(func() error {
			_, _, err := o.schemas.Get(ctx, schemaKey(entry.Server, entry.Name),
				o.loader(entry.Server, "", entry.Name))
			if err != nil {
				logging.Warn("LazyLoading", "Preload of %s:%s failed: %v", entry.Server, entry.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if count > 0 {
		logging.Info("LazyLoading", "Preloaded %d tool schemas", count)
	}
}

func (o *Orchestrator) shouldPreload(entry registry.Entry) bool {
	for _, pattern := range o.cfg.Preload.Patterns {
		ok, err := path.Match(pattern, entry.Server)
		if err != nil {
			logging.Warn("LazyLoading", "Invalid preload pattern %q: %v", pattern, err)
			continue
		}
		if ok {
			return true
		}
	}
	for _, kw := range o.cfg.Preload.Keywords {
		if kw != "" && strings.Contains(entry.Name, kw) {
			return true
		}
	}
	return false
}

// TokenSavings estimates the prompt-size reduction from serving summaries
// instead of full schemas.
type TokenSavings struct {
	CurrentTokens     int     `json:"currentTokens"`
	FullLoadTokens    int     `json:"fullLoadTokens"`
	SavedTokens       int     `json:"savedTokens"`
	SavingsPercentage float64 `json:"savingsPercentage"`
}

// Stats is the lazy loading status surface.
type Stats struct {
	Enabled             bool         `json:"enabled"`
	RegisteredToolCount int          `json:"registeredToolCount"`
	LoadedToolCount     int64        `json:"loadedToolCount"`
	CachedToolCount     int          `json:"cachedToolCount"`
	CacheHitRate        float64      `json:"cacheHitRate"`
	TokenSavings        TokenSavings `json:"tokenSavings"`
	CoalescedRequests   int64        `json:"coalescedRequests"`
	Evictions           int64        `json:"evictions"`
}

// metaSurfaceTokens approximates the prompt cost of the three meta-tool
// definitions.
const metaSurfaceTokens = 450

// avgSchemaTokens approximates one full tool definition when the real
// schema has not been loaded.
const avgSchemaTokens = 180

// Stats returns the current lazy loading statistics.
func (o *Orchestrator) Stats() Stats {
	cacheStats := o.schemas.Stats()

	full := 0
	if page, err := o.registry.List(registry.Filter{}); err == nil {
		for _, e := range page.Entries {
			full += estimateTokens(e.Name) + estimateTokens(e.Description) + avgSchemaTokens
		}
	}

	savings := TokenSavings{
		CurrentTokens:  metaSurfaceTokens,
		FullLoadTokens: full,
	}
	if full > metaSurfaceTokens {
		savings.SavedTokens = full - metaSurfaceTokens
		savings.SavingsPercentage = float64(savings.SavedTokens) / float64(full) * 100
	}

	return Stats{
		Enabled:             o.cfg.Enabled,
		RegisteredToolCount: o.registry.Len(),
		LoadedToolCount:     o.loaded.Load(),
		CachedToolCount:     cacheStats.Size,
		CacheHitRate:        cacheStats.HitRate,
		TokenSavings:        savings,
		CoalescedRequests:   cacheStats.CoalescedRequests,
		Evictions:           cacheStats.Evictions,
	}
}

// CacheStats exposes the raw schema cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.schemas.Stats()
}

func estimateTokens(s string) int {
	return len(s)/4 + 1
}

func schemaKey(server, tool string) string {
	return server + "\x00" + tool
}

// marshalJSON is the canonical encoding for meta-tool response payloads.
func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":{"type":"internal","message":%q}}`, err.Error())
	}
	return string(data)
}
