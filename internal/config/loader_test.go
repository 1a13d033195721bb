package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o644)
	require.NoError(t, err)
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Gateway.Host)
	assert.Equal(t, 3050, cfg.Gateway.Port)
	assert.Equal(t, TransportStreamableHTTP, cfg.Gateway.Transport)
	assert.Equal(t, 1000, cfg.LazyLoading.Cache.MaxEntries)
	assert.Equal(t, 10, cfg.Pool.MaxInstances)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, TagFilterNone, cfg.Session.TagFilterMode)
	assert.Empty(t, cfg.MCPServers)
}

func TestLoadConfigServers(t *testing.T) {
	dir := writeConfig(t, `
gateway:
  port: 4000
mcpServers:
  filesystem:
    command: mcp-filesystem
    args: ["--root", "/srv"]
    tags: [files, local]
    disabledTools: [delete_file]
  grafana:
    type: streamable-http
    url: http://grafana.local/mcp
    enabledTools: [search_dashboards]
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	fs := cfg.MCPServers["filesystem"]
	assert.Equal(t, TransportStdio, fs.Type)
	assert.Equal(t, []string{"files", "local"}, fs.Tags)
	assert.Equal(t, []string{"delete_file"}, fs.DisabledTools)
	assert.Equal(t, 30*time.Second, fs.Timeout)

	grafana := cfg.MCPServers["grafana"]
	assert.Equal(t, TransportStreamableHTTP, grafana.Type)
	assert.Equal(t, []string{"search_dashboards"}, grafana.EnabledTools)

	assert.Equal(t, 4000, cfg.Gateway.Port)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("ONEMCP_TEST_TOKEN", "sekrit")

	dir := writeConfig(t, `
mcpServers:
  api:
    type: streamable-http
    url: http://api.local/mcp
    headers:
      Authorization: "Bearer ${ONEMCP_TEST_TOKEN}"
  templated:
    command: serve
    args: ["{{ project.root }}"]
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sekrit", cfg.MCPServers["api"].Headers["Authorization"])
	// Template placeholders must survive env expansion untouched.
	assert.Equal(t, "{{ project.root }}", cfg.MCPServers["templated"].Args[0])
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name: "stdio without command",
			content: `
mcpServers:
  broken:
    type: stdio
`,
			errPart: "command is required",
		},
		{
			name: "http without url",
			content: `
mcpServers:
  broken:
    type: streamable-http
`,
			errPart: "url is required",
		},
		{
			name: "colon in server name",
			content: `
mcpServers:
  "bad:name":
    command: x
`,
			errPart: "must not contain",
		},
		{
			name: "unknown tag filter mode",
			content: `
session:
  tagFilterMode: sometimes
`,
			errPart: "tagFilterMode",
		},
		{
			name: "undefined preset",
			content: `
session:
  presetName: missing
`,
			errPart: "preset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.content)
			_, err := LoadConfig(dir)
			assert.ErrorContains(t, err, tt.errPart)
		})
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := writeConfig(t, "gateway: [not a map")
	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestTemplateSettingsIsShareable(t *testing.T) {
	var nilSettings *TemplateSettings
	assert.True(t, nilSettings.IsShareable())
	assert.True(t, (&TemplateSettings{}).IsShareable())

	no := false
	assert.False(t, (&TemplateSettings{Shareable: &no}).IsShareable())
}
