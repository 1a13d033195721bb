// Package filtering scopes the visible upstream server set per session
// based on server tags: simple OR matching, boolean expressions, or named
// presets.
package filtering

import (
	"strings"

	"onemcp/internal/config"
	"onemcp/pkg/logging"
)

// Settings is the per-session filter selection.
type Settings struct {
	Mode       string
	Tags       []string
	Expression string
	PresetName string
}

// Predicate reports whether a server with the given tags is visible.
type Predicate func(serverTags []string) bool

// Service compiles filter settings into server predicates.
type Service struct {
	presets map[string][]string
}

// NewService creates a filter service with the configured presets.
func NewService(presets map[string][]string) *Service {
	return &Service{presets: presets}
}

// FromSessionDefaults converts the configured session defaults into settings.
func FromSessionDefaults(defaults config.SessionDefaults) Settings {
	return Settings{
		Mode:       defaults.TagFilterMode,
		Tags:       defaults.Tags,
		Expression: defaults.TagExpression,
		PresetName: defaults.PresetName,
	}
}

// effectiveMode resolves the mode to apply. A set preset name activates
// preset filtering even when the mode field is empty or none.
func effectiveMode(settings Settings) string {
	if settings.Mode == "" || settings.Mode == config.TagFilterNone {
		if settings.PresetName != "" {
			return config.TagFilterPreset
		}
		return config.TagFilterNone
	}
	return settings.Mode
}

// Compile turns settings into a predicate over a server's tag set. Invalid
// input degrades to pass-all with a logged warning so a bad filter never
// hides every server silently.
func (s *Service) Compile(settings Settings) Predicate {
	switch effectiveMode(settings) {
	case config.TagFilterNone:
		return passAll

	case config.TagFilterSimpleOr:
		if len(settings.Tags) == 0 {
			return passAll
		}
		tags := settings.Tags
		return func(serverTags []string) bool {
			return anyTagMatch(serverTags, tags)
		}

	case config.TagFilterAdvanced:
		expr, err := ParseExpression(settings.Expression)
		if err != nil {
			logging.Warn("TagFilter", "Invalid tag expression %q, passing all servers: %v",
				settings.Expression, err)
			return passAll
		}
		return expr.Evaluate

	case config.TagFilterPreset:
		tags, ok := s.presets[settings.PresetName]
		if !ok {
			logging.Warn("TagFilter", "Unknown preset %q, passing all servers", settings.PresetName)
			return passAll
		}
		if len(tags) == 0 {
			return passAll
		}
		return func(serverTags []string) bool {
			return anyTagMatch(serverTags, tags)
		}

	default:
		logging.Warn("TagFilter", "Unknown tag filter mode %q, passing all servers", settings.Mode)
		return passAll
	}
}

// AllowedServers evaluates the settings against every server's tag set and
// returns the allowed name set. A nil return means no filtering is active.
func (s *Service) AllowedServers(settings Settings, tagsByServer map[string][]string) map[string]bool {
	if effectiveMode(settings) == config.TagFilterNone {
		return nil
	}

	pred := s.Compile(settings)
	allowed := make(map[string]bool, len(tagsByServer))
	for server, tags := range tagsByServer {
		if pred(tags) {
			allowed[server] = true
		}
	}
	return allowed
}

func passAll([]string) bool { return true }

func anyTagMatch(serverTags, wanted []string) bool {
	for _, w := range wanted {
		for _, have := range serverTags {
			if strings.EqualFold(have, w) {
				return true
			}
		}
	}
	return false
}
