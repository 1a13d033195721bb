package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"onemcp/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/onemcp"
	configFileName = "config.yaml"
)

// GetDefaultConfigPath returns the default configuration directory
// (~/.config/onemcp).
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig loads configuration from the specified directory. The directory
// should contain config.yaml; a missing file yields the defaults.
//
// Environment variable references of the form ${VAR} in server commands,
// args, env values, URLs, and headers are expanded at load time, so secrets
// can stay out of the file. Template placeholders use {{ ... }} and are left
// untouched here.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)

	cfg := Config{}
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			applyDefaults(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config from %s: %w", configFilePath, err)
	}

	applyDefaults(&cfg)
	expandEnvironment(&cfg)

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config at %s: %w", configFilePath, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s (%d servers)", configFilePath, len(cfg.MCPServers))
	return cfg, nil
}

// expandEnvironment expands ${VAR} references in server definitions.
func expandEnvironment(cfg *Config) {
	for name, server := range cfg.MCPServers {
		server.Command = expandEnv(server.Command)
		server.URL = expandEnv(server.URL)
		for i, arg := range server.Args {
			server.Args[i] = expandEnv(arg)
		}
		for k, v := range server.Env {
			server.Env[k] = expandEnv(v)
		}
		for k, v := range server.Headers {
			server.Headers[k] = expandEnv(v)
		}
		cfg.MCPServers[name] = server
	}
}

// expandEnv expands ${VAR} but not template placeholders. os.Expand with a
// custom mapping only touches ${...} forms, so {{ ... }} survives.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// Validate checks structural constraints that the type system cannot.
func Validate(cfg *Config) error {
	for name, server := range cfg.MCPServers {
		if name == "" {
			return fmt.Errorf("server with empty name")
		}
		if strings.Contains(name, ":") {
			return fmt.Errorf("server name %q must not contain ':'", name)
		}
		switch server.Type {
		case TransportStdio:
			if server.Command == "" {
				return fmt.Errorf("server %s: command is required for stdio type", name)
			}
		case TransportSSE, TransportStreamableHTTP:
			if server.URL == "" {
				return fmt.Errorf("server %s: url is required for %s type", name, server.Type)
			}
		default:
			return fmt.Errorf("server %s: unsupported type %q", name, server.Type)
		}
		if server.Template != nil && server.Template.MaxInstances < 0 {
			return fmt.Errorf("server %s: template.maxInstances must not be negative", name)
		}
	}

	if cfg.Session.TagFilterMode != "" {
		switch cfg.Session.TagFilterMode {
		case TagFilterNone, TagFilterSimpleOr, TagFilterAdvanced, TagFilterPreset:
		default:
			return fmt.Errorf("unsupported tagFilterMode %q", cfg.Session.TagFilterMode)
		}
	}

	if cfg.Session.PresetName != "" {
		if _, ok := cfg.Presets[cfg.Session.PresetName]; !ok {
			return fmt.Errorf("preset %q is not defined", cfg.Session.PresetName)
		}
	}

	return nil
}
