package config

import "time"

// GetDefaultConfig returns the default configuration for onemcp.
func GetDefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			Host:      "localhost",
			Port:      3050,
			Transport: TransportStreamableHTTP,
			LogLevel:  "info",
		},
		MCPServers: map[string]ServerConfig{},
		LazyLoading: LazyLoadingConfig{
			Cache: CacheConfig{
				MaxEntries: 1000,
			},
			Fallback: FallbackConfig{
				OnError:   "skip",
				TimeoutMs: 10000,
			},
		},
		Pool: PoolConfig{
			MaxInstances:      10,
			MaxTotalInstances: 100,
			IdleTimeout:       5 * time.Minute,
			CleanupInterval:   time.Minute,
		},
		Session: SessionDefaults{
			TagFilterMode: TagFilterNone,
		},
		Presets: map[string][]string{},
	}
}

// applyDefaults fills zero values on a loaded config so that callers never
// have to guard against unset fields.
func applyDefaults(cfg *Config) {
	defaults := GetDefaultConfig()

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = defaults.Gateway.Host
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = defaults.Gateway.Port
	}
	if cfg.Gateway.Transport == "" {
		cfg.Gateway.Transport = defaults.Gateway.Transport
	}
	if cfg.Gateway.LogLevel == "" {
		cfg.Gateway.LogLevel = defaults.Gateway.LogLevel
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerConfig{}
	}
	if cfg.LazyLoading.Cache.MaxEntries <= 0 {
		cfg.LazyLoading.Cache.MaxEntries = defaults.LazyLoading.Cache.MaxEntries
	}
	if cfg.LazyLoading.Fallback.OnError == "" {
		cfg.LazyLoading.Fallback.OnError = defaults.LazyLoading.Fallback.OnError
	}
	if cfg.LazyLoading.Fallback.TimeoutMs <= 0 {
		cfg.LazyLoading.Fallback.TimeoutMs = defaults.LazyLoading.Fallback.TimeoutMs
	}
	if cfg.Pool.MaxInstances <= 0 {
		cfg.Pool.MaxInstances = defaults.Pool.MaxInstances
	}
	if cfg.Pool.MaxTotalInstances <= 0 {
		cfg.Pool.MaxTotalInstances = defaults.Pool.MaxTotalInstances
	}
	if cfg.Pool.IdleTimeout <= 0 {
		cfg.Pool.IdleTimeout = defaults.Pool.IdleTimeout
	}
	if cfg.Pool.CleanupInterval <= 0 {
		cfg.Pool.CleanupInterval = defaults.Pool.CleanupInterval
	}
	if cfg.Session.TagFilterMode == "" {
		cfg.Session.TagFilterMode = defaults.Session.TagFilterMode
	}
	if cfg.Presets == nil {
		cfg.Presets = map[string][]string{}
	}

	// Infer server type from the fields that are set.
	for name, server := range cfg.MCPServers {
		if server.Type == "" {
			if server.Command != "" {
				server.Type = TransportStdio
			} else {
				server.Type = TransportStreamableHTTP
			}
		}
		if server.Timeout <= 0 {
			server.Timeout = 30 * time.Second
		}
		cfg.MCPServers[name] = server
	}
}
