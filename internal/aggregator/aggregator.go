// Package aggregator collects capabilities from connected upstream servers
// into an atomically swapped snapshot, applying per-server enable/disable
// filters along the way.
package aggregator

import (
	"context"
	"sort"
	"sync"

	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// ServerCapabilities holds the filtered capabilities of one connection.
type ServerCapabilities struct {
	// Key is the connection key this entry was aggregated from.
	Key string
	// Name is the configured server name used for exposed-name prefixing.
	Name string
	Tags []string

	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
}

// Snapshot is a read-only view of all aggregated capabilities. Consumers
// must not mutate it.
type Snapshot struct {
	// Servers is keyed by connection key.
	Servers map[string]*ServerCapabilities
	// ReadyServers lists the connection keys included in this snapshot,
	// sorted.
	ReadyServers []string

	ToolsChanged     bool
	ResourcesChanged bool
	PromptsChanged   bool
}

// Aggregator owns the capability snapshot. Update is serialized internally;
// Snapshot is safe for concurrent readers.
type Aggregator struct {
	manager *upstream.Manager

	updateMu sync.Mutex

	mu       sync.RWMutex
	snapshot *Snapshot
}

// New creates an aggregator over the given connection manager.
func New(manager *upstream.Manager) *Aggregator {
	return &Aggregator{
		manager:  manager,
		snapshot: &Snapshot{Servers: map[string]*ServerCapabilities{}},
	}
}

// Snapshot returns the current capability snapshot.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Update queries every connected upstream concurrently and swaps in a new
// snapshot. A failing upstream contributes nothing but does not abort the
// update.
func (a *Aggregator) Update(ctx context.Context) {
	a.updateMu.Lock()
	defer a.updateMu.Unlock()

	connections := a.manager.Snapshot()

	results := make(map[string]*ServerCapabilities, len(connections))
	var resultsMu sync.Mutex

	var g errgroup.Group
	for key, conn := range connections {
		if !conn.IsConnected() {
			continue
		}
		key, conn := key, conn
		g.Go(func() error {
			caps := a.collect(ctx, conn)
			resultsMu.Lock()
			results[key] = caps
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ready := make([]string, 0, len(results))
	for key := range results {
		ready = append(ready, key)
	}
	sort.Strings(ready)

	dedupeAcrossServers(ready, results)

	next := &Snapshot{Servers: results, ReadyServers: ready}

	a.mu.Lock()
	prev := a.snapshot
	next.ToolsChanged = !sameNames(toolNames(prev), toolNames(next))
	next.ResourcesChanged = !sameNames(resourceURIs(prev), resourceURIs(next))
	next.PromptsChanged = !sameNames(promptNames(prev), promptNames(next))
	a.snapshot = next
	a.mu.Unlock()

	logging.Debug("Aggregator", "Updated snapshot: %d servers, %d tools",
		len(ready), len(toolNames(next)))
}

// collect fetches one connection's capabilities, honoring the advertised
// capability set and the configured enable/disable filters.
func (a *Aggregator) collect(ctx context.Context, conn *upstream.Connection) *ServerCapabilities {
	caps := &ServerCapabilities{
		Key:  conn.Key,
		Name: conn.Name,
		Tags: conn.Tags(),
	}
	advertised := conn.Client.Capabilities()

	if advertised == nil || advertised.Tools != nil {
		tools, err := conn.Client.ListTools(ctx)
		if err != nil {
			logging.Warn("Aggregator", "Failed to list tools from %s: %v", conn.Key, err)
		} else {
			caps.Tools = filterTools(tools, conn.Config.EnabledTools, conn.Config.DisabledTools)
		}
	}

	if advertised == nil || advertised.Resources != nil {
		resources, err := conn.Client.ListResources(ctx)
		if err != nil {
			logging.Warn("Aggregator", "Failed to list resources from %s: %v", conn.Key, err)
		} else {
			caps.Resources = filterResources(resources, conn.Config.EnabledResources, conn.Config.DisabledResources)
		}

		templates, err := conn.Client.ListResourceTemplatesPage(ctx, "")
		if err != nil {
			logging.Debug("Aggregator", "No resource templates from %s: %v", conn.Key, err)
		} else {
			caps.ResourceTemplates = templates.ResourceTemplates
		}
	}

	if advertised == nil || advertised.Prompts != nil {
		prompts, err := conn.Client.ListPrompts(ctx)
		if err != nil {
			logging.Warn("Aggregator", "Failed to list prompts from %s: %v", conn.Key, err)
		} else {
			caps.Prompts = filterPrompts(prompts, conn.Config.EnabledPrompts, conn.Config.DisabledPrompts)
		}
	}

	return caps
}

// allowed implements the enable/disable filter semantics: a non-empty
// enabled list is an exclusive whitelist and wins over the disabled list.
func allowed(name string, enabled, disabled []string) bool {
	if len(enabled) > 0 {
		for _, e := range enabled {
			if e == name {
				return true
			}
		}
		return false
	}
	for _, d := range disabled {
		if d == name {
			return false
		}
	}
	return true
}

func filterTools(tools []mcp.Tool, enabled, disabled []string) []mcp.Tool {
	seen := make(map[string]bool, len(tools))
	result := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if seen[t.Name] || !allowed(t.Name, enabled, disabled) {
			continue
		}
		seen[t.Name] = true
		result = append(result, t)
	}
	return result
}

func filterResources(resources []mcp.Resource, enabled, disabled []string) []mcp.Resource {
	seen := make(map[string]bool, len(resources))
	result := make([]mcp.Resource, 0, len(resources))
	for _, r := range resources {
		if seen[r.URI] || !allowed(r.URI, enabled, disabled) {
			continue
		}
		seen[r.URI] = true
		result = append(result, r)
	}
	return result
}

func filterPrompts(prompts []mcp.Prompt, enabled, disabled []string) []mcp.Prompt {
	seen := make(map[string]bool, len(prompts))
	result := make([]mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		if seen[p.Name] || !allowed(p.Name, enabled, disabled) {
			continue
		}
		seen[p.Name] = true
		result = append(result, p)
	}
	return result
}

// dedupeAcrossServers enforces snapshot-wide uniqueness of tool names,
// resource URIs, and prompt names. On a duplicate, the sort-earlier server
// wins and later occurrences are dropped.
func dedupeAcrossServers(sortedKeys []string, servers map[string]*ServerCapabilities) {
	seenTools := make(map[string]bool)
	seenResources := make(map[string]bool)
	seenPrompts := make(map[string]bool)

	for _, key := range sortedKeys {
		caps := servers[key]

		tools := caps.Tools[:0]
		for _, t := range caps.Tools {
			if !seenTools[t.Name] {
				seenTools[t.Name] = true
				tools = append(tools, t)
			}
		}
		caps.Tools = tools

		resources := caps.Resources[:0]
		for _, r := range caps.Resources {
			if !seenResources[r.URI] {
				seenResources[r.URI] = true
				resources = append(resources, r)
			}
		}
		caps.Resources = resources

		prompts := caps.Prompts[:0]
		for _, p := range caps.Prompts {
			if !seenPrompts[p.Name] {
				seenPrompts[p.Name] = true
				prompts = append(prompts, p)
			}
		}
		caps.Prompts = prompts
	}
}

func toolNames(s *Snapshot) []string {
	var names []string
	for key, caps := range s.Servers {
		for _, t := range caps.Tools {
			names = append(names, key+"\x00"+t.Name)
		}
	}
	sort.Strings(names)
	return names
}

func resourceURIs(s *Snapshot) []string {
	var names []string
	for key, caps := range s.Servers {
		for _, r := range caps.Resources {
			names = append(names, key+"\x00"+r.URI)
		}
	}
	sort.Strings(names)
	return names
}

func promptNames(s *Snapshot) []string {
	var names []string
	for key, caps := range s.Servers {
		for _, p := range caps.Prompts {
			names = append(names, key+"\x00"+p.Name)
		}
	}
	sort.Strings(names)
	return names
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Summary reports aggregate counts for status output.
type Summary struct {
	Servers   int `json:"servers"`
	Tools     int `json:"tools"`
	Resources int `json:"resources"`
	Prompts   int `json:"prompts"`
}

// Summarize returns aggregate counts from the current snapshot.
func (a *Aggregator) Summarize() Summary {
	s := a.Snapshot()
	summary := Summary{Servers: len(s.ReadyServers)}
	for _, caps := range s.Servers {
		summary.Tools += len(caps.Tools)
		summary.Resources += len(caps.Resources)
		summary.Prompts += len(caps.Prompts)
	}
	return summary
}
