package registry

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	r.Rebuild(map[string][]mcp.Tool{
		"github": {
			{Name: "create_issue", Description: "Create an issue"},
			{Name: "list_issues", Description: "List issues"},
			{Name: "search_code"},
		},
		"grafana": {
			{Name: "search_dashboards"},
			{Name: "query_prometheus"},
		},
	}, map[string][]string{
		"github":  {"dev", "vcs"},
		"grafana": {"observability"},
	})
	return r
}

func TestRegistryOrderingAndTotal(t *testing.T) {
	r := buildRegistry(t)

	page, err := r.List(Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Empty(t, page.NextCursor)

	var got []string
	for _, e := range page.Entries {
		got = append(got, e.Server+"/"+e.Name)
	}
	assert.Equal(t, []string{
		"github/create_issue",
		"github/list_issues",
		"github/search_code",
		"grafana/query_prometheus",
		"grafana/search_dashboards",
	}, got)
}

func TestRegistryFilters(t *testing.T) {
	r := buildRegistry(t)

	t.Run("by server", func(t *testing.T) {
		page, err := r.List(Filter{Server: "grafana"})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("by glob", func(t *testing.T) {
		page, err := r.List(Filter{NamePattern: "search_*"})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		assert.Equal(t, "search_code", page.Entries[0].Name)
		assert.Equal(t, "search_dashboards", page.Entries[1].Name)
	})

	t.Run("by tag case-insensitive", func(t *testing.T) {
		page, err := r.List(Filter{Tags: []string{"VCS"}})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		for _, e := range page.Entries {
			assert.Equal(t, "github", e.Server)
		}
	})

	t.Run("no match", func(t *testing.T) {
		page, err := r.List(Filter{NamePattern: "delete_*"})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
	})
}

func TestRegistryPagination(t *testing.T) {
	r := buildRegistry(t)

	var collected []string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := r.List(Filter{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, e := range page.Entries {
			collected = append(collected, e.Server+"/"+e.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Len(t, collected, 5)
	// Pages concatenate to the full ordered listing without duplicates.
	assert.Equal(t, []string{
		"github/create_issue",
		"github/list_issues",
		"github/search_code",
		"grafana/query_prometheus",
		"grafana/search_dashboards",
	}, collected)
}

func TestRegistryInvalidCursor(t *testing.T) {
	r := buildRegistry(t)
	_, err := r.List(Filter{Cursor: "not!!base64"})
	assert.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	r := buildRegistry(t)

	e, ok := r.Get("github", "create_issue")
	require.True(t, ok)
	assert.Equal(t, "Create an issue", e.Description)
	assert.Equal(t, []string{"dev", "vcs"}, e.Tags)

	assert.False(t, r.Has("github", "nope"))
	assert.False(t, r.Has("unknown", "create_issue"))

	assert.Equal(t, []string{"github", "grafana"}, r.Servers())
	assert.Equal(t, 5, r.Len())
}

func TestRegistryFilteredView(t *testing.T) {
	r := buildRegistry(t)

	view := r.FilteredView(map[string]bool{"grafana": true})
	assert.Equal(t, 2, view.Len())
	assert.Equal(t, []string{"grafana"}, view.Servers())
	assert.False(t, view.Has("github", "create_issue"))

	// Nil allowed set means unrestricted.
	assert.Same(t, r, r.FilteredView(nil))
}
