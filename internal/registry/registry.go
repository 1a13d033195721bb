// Package registry maintains the lightweight tool index used by lazy
// loading. It stores tool summaries (name, description, tags) without input
// schemas; schemas are fetched on demand through the schema cache.
package registry

import (
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Entry is one tool summary in the registry.
type Entry struct {
	Server      string   `json:"server"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Filter narrows a listing. Zero value matches everything.
type Filter struct {
	// Server restricts results to one upstream server.
	Server string
	// NamePattern is a glob matched against the bare tool name.
	NamePattern string
	// Tags keeps tools whose server carries at least one of these tags.
	Tags []string
	// Limit caps the page size; 0 means no limit.
	Limit int
	// Cursor resumes a previous listing.
	Cursor string
}

// Page is one page of listing results.
type Page struct {
	Entries    []Entry
	NextCursor string
	// Total is the number of entries matching the filter, across all pages.
	Total int
}

// Registry is a point-in-time index of tools per server. Rebuilds swap the
// sorted slice atomically under the lock; listings never observe a partial
// update.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	servers []string
	byKey   map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]Entry)}
}

// Rebuild replaces the registry contents from a per-server tool map. Server
// tags are denormalised onto each entry so tag filtering needs no config
// lookup at query time.
func (r *Registry) Rebuild(toolsByServer map[string][]mcp.Tool, tagsByServer map[string][]string) {
	entries := make([]Entry, 0, len(toolsByServer)*8)
	byKey := make(map[string]Entry, len(toolsByServer)*8)
	servers := make([]string, 0, len(toolsByServer))

	for server, tools := range toolsByServer {
		servers = append(servers, server)
		for _, tool := range tools {
			e := Entry{
				Server:      server,
				Name:        tool.Name,
				Description: tool.Description,
				Tags:        tagsByServer[server],
			}
			entries = append(entries, e)
			byKey[entryKey(server, tool.Name)] = e
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Server != entries[j].Server {
			return entries[i].Server < entries[j].Server
		}
		return entries[i].Name < entries[j].Name
	})
	sort.Strings(servers)

	r.mu.Lock()
	r.entries = entries
	r.servers = servers
	r.byKey = byKey
	r.mu.Unlock()
}

// List returns the page of entries matching the filter, ordered by
// (server, name).
func (r *Registry) List(filter Filter) (*Page, error) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}

	start := 0
	if filter.Cursor != "" {
		server, name, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		// Resume strictly after the cursor position.
		start = sort.Search(len(matched), func(i int) bool {
			e := matched[i]
			if e.Server != server {
				return e.Server > server
			}
			return e.Name > name
		})
	}

	end := len(matched)
	nextCursor := ""
	if filter.Limit > 0 && start+filter.Limit < len(matched) {
		end = start + filter.Limit
		last := matched[end-1]
		nextCursor = encodeCursor(last.Server, last.Name)
	}

	return &Page{
		Entries:    matched[start:end],
		NextCursor: nextCursor,
		Total:      len(matched),
	}, nil
}

func matches(e Entry, filter Filter) bool {
	if filter.Server != "" && e.Server != filter.Server {
		return false
	}
	if filter.NamePattern != "" {
		ok, err := path.Match(filter.NamePattern, e.Name)
		if err != nil || !ok {
			return false
		}
	}
	if len(filter.Tags) > 0 && !hasAnyTag(e.Tags, filter.Tags) {
		return false
	}
	return true
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// Get returns the entry for a (server, tool) pair.
func (r *Registry) Get(server, name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[entryKey(server, name)]
	return e, ok
}

// Has reports whether the registry knows the (server, tool) pair.
func (r *Registry) Has(server, name string) bool {
	_, ok := r.Get(server, name)
	return ok
}

// Servers returns the sorted server names present in the registry.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.servers...)
}

// Len returns the total number of indexed tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FilteredView returns a registry restricted to the allowed servers. A nil
// allowed set means no restriction and returns the receiver itself.
func (r *Registry) FilteredView(allowed map[string]bool) *Registry {
	if allowed == nil {
		return r
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	view := New()
	view.entries = make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if allowed[e.Server] {
			view.entries = append(view.entries, e)
			view.byKey[entryKey(e.Server, e.Name)] = e
		}
	}
	for _, s := range r.servers {
		if allowed[s] {
			view.servers = append(view.servers, s)
		}
	}
	return view
}

func entryKey(server, name string) string {
	return server + "\x00" + name
}

func encodeCursor(server, name string) string {
	return base64.StdEncoding.EncodeToString([]byte(entryKey(server, name)))
}

func decodeCursor(cursor string) (server, name string, err error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid cursor format")
	}
	return parts[0], parts[1], nil
}
