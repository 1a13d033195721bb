package config

import "time"

// Config is the top-level configuration structure for onemcp.
type Config struct {
	Gateway     GatewayConfig           `yaml:"gateway"`
	MCPServers  map[string]ServerConfig `yaml:"mcpServers"`
	LazyLoading LazyLoadingConfig       `yaml:"lazyLoading"`
	Pool        PoolConfig              `yaml:"pool"`
	Session     SessionDefaults         `yaml:"session"`
	Presets     map[string][]string     `yaml:"presets"`
}

const (
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP = "streamable-http"
	// TransportSSE is the Server-Sent Events transport.
	TransportSSE = "sse"
	// TransportStdio is the standard I/O transport.
	TransportStdio = "stdio"
)

// GatewayConfig defines the inbound endpoint of the gateway.
type GatewayConfig struct {
	Host      string `yaml:"host,omitempty"`      // Host to bind to (default: localhost)
	Port      int    `yaml:"port,omitempty"`      // Port for the inbound endpoint (default: 3050)
	Transport string `yaml:"transport,omitempty"` // Inbound transport (default: streamable-http)
	LogLevel  string `yaml:"logLevel,omitempty"`  // debug, info, warn, error (default: info)
}

// ServerConfig defines a single upstream MCP server. A definition whose
// command, args, env, URL, or headers contain {{ ... }} placeholders is a
// template server and is materialised per rendered context by the instance
// pool instead of being connected at startup.
type ServerConfig struct {
	Type    string            `yaml:"type,omitempty"` // stdio, sse, or streamable-http (default: stdio if command set, else streamable-http)
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	Tags         []string `yaml:"tags,omitempty"`
	Instructions string   `yaml:"instructions,omitempty"`

	// Per-request timeout for calls forwarded to this server.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Capability filters. When an enabled list is present it acts as a
	// whitelist and the corresponding disabled list is ignored.
	EnabledTools      []string `yaml:"enabledTools,omitempty"`
	DisabledTools     []string `yaml:"disabledTools,omitempty"`
	EnabledResources  []string `yaml:"enabledResources,omitempty"`
	DisabledResources []string `yaml:"disabledResources,omitempty"`
	EnabledPrompts    []string `yaml:"enabledPrompts,omitempty"`
	DisabledPrompts   []string `yaml:"disabledPrompts,omitempty"`

	Template *TemplateSettings `yaml:"template,omitempty"`
}

// TemplateSettings controls how template server instances are pooled.
type TemplateSettings struct {
	Shareable    *bool         `yaml:"shareable,omitempty"` // default: true
	PerClient    bool          `yaml:"perClient,omitempty"`
	IdleTimeout  time.Duration `yaml:"idleTimeout,omitempty"`
	MaxInstances int           `yaml:"maxInstances,omitempty"`
}

// IsShareable reports whether instances of this template may be shared
// across sessions that render to the same hash.
func (t *TemplateSettings) IsShareable() bool {
	if t == nil || t.Shareable == nil {
		return true
	}
	return *t.Shareable
}

// LazyLoadingConfig controls the meta-tool layer.
type LazyLoadingConfig struct {
	Enabled      bool           `yaml:"enabled,omitempty"`
	DirectExpose []string       `yaml:"directExpose,omitempty"`
	Cache        CacheConfig    `yaml:"cache,omitempty"`
	Preload      PreloadConfig  `yaml:"preload,omitempty"`
	Fallback     FallbackConfig `yaml:"fallback,omitempty"`
}

// CacheConfig bounds the schema cache.
type CacheConfig struct {
	MaxEntries int   `yaml:"maxEntries,omitempty"` // default: 1000
	TTLMs      int64 `yaml:"ttlMs,omitempty"`      // 0 means no expiry
}

// PreloadConfig selects tools whose schemas are loaded eagerly at startup.
type PreloadConfig struct {
	Patterns []string `yaml:"patterns,omitempty"` // glob match on server name
	Keywords []string `yaml:"keywords,omitempty"` // substring match on tool name
}

// FallbackConfig controls behaviour when a lazy schema load fails.
type FallbackConfig struct {
	OnError   string `yaml:"onError,omitempty"` // only "skip" is implemented
	TimeoutMs int64  `yaml:"timeoutMs,omitempty"`
}

// PoolConfig bounds the template instance pool.
type PoolConfig struct {
	MaxInstances      int           `yaml:"maxInstances,omitempty"`      // per template (default: 10)
	MaxTotalInstances int           `yaml:"maxTotalInstances,omitempty"` // across all templates (default: 100)
	IdleTimeout       time.Duration `yaml:"idleTimeout,omitempty"`       // default: 5m
	CleanupInterval   time.Duration `yaml:"cleanupInterval,omitempty"`   // default: 1m
}

// Tag filter modes accepted in session configuration.
const (
	TagFilterNone     = "none"
	TagFilterSimpleOr = "simple-or"
	TagFilterAdvanced = "advanced"
	TagFilterPreset   = "preset"
)

// SessionDefaults carries the per-session options applied when the inbound
// handshake does not override them.
type SessionDefaults struct {
	TagFilterMode     string   `yaml:"tagFilterMode,omitempty"` // none, simple-or, advanced, preset
	Tags              []string `yaml:"tags,omitempty"`
	TagExpression     string   `yaml:"tagExpression,omitempty"`
	PresetName        string   `yaml:"presetName,omitempty"`
	EnablePagination  bool     `yaml:"enablePagination,omitempty"`
	CustomTemplate    string   `yaml:"customTemplate,omitempty"`
	TemplateSizeLimit int      `yaml:"templateSizeLimit,omitempty"`
}
