package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Engine handles placeholder substitution in template server definitions.
//
// Placeholders use the form {{ variable }} or {{ .variable }}, where the
// variable name may be dotted to reach into the session context
// (e.g. {{ project.root }}, {{ user.email }}, {{ sessionId }}).
type Engine struct {
	// Pattern to match template variables like {{ project.root }}
	placeholderPattern *regexp.Regexp
}

// New creates a new template engine.
func New() *Engine {
	return &Engine{
		placeholderPattern: regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\s*\}\}`),
	}
}

// Render replaces all placeholders in a value with bindings from vars.
// Strings are substituted in place; maps and slices are walked recursively.
// Non-templatable types are returned as-is.
func (e *Engine) Render(value interface{}, vars map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.renderString(v, vars)
	case map[string]interface{}:
		return e.renderMap(v, vars)
	case []interface{}:
		return e.renderSlice(v, vars)
	case []string:
		result := make([]string, len(v))
		for i, s := range v {
			rendered, err := e.renderString(s, vars)
			if err != nil {
				return nil, fmt.Errorf("error at index %d: %w", i, err)
			}
			result[i] = rendered
		}
		return result, nil
	default:
		return value, nil
	}
}

// renderString replaces placeholders in a single string.
func (e *Engine) renderString(template string, vars map[string]interface{}) (string, error) {
	var missingVars []string

	result := e.placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		submatch := e.placeholderPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		varName := submatch[1]
		replacement, exists := vars[varName]
		if !exists {
			missingVars = append(missingVars, varName)
			return match
		}

		return stringify(replacement)
	})

	if len(missingVars) > 0 {
		sort.Strings(missingVars)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missingVars, ", "))
	}

	return result, nil
}

// renderMap recursively renders placeholders in a map.
func (e *Engine) renderMap(m map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(m))

	for key, value := range m {
		rendered, err := e.Render(value, vars)
		if err != nil {
			return nil, fmt.Errorf("error in key '%s': %w", key, err)
		}
		result[key] = rendered
	}

	return result, nil
}

// renderSlice recursively renders placeholders in a slice.
func (e *Engine) renderSlice(s []interface{}, vars map[string]interface{}) ([]interface{}, error) {
	result := make([]interface{}, len(s))

	for i, value := range s {
		rendered, err := e.Render(value, vars)
		if err != nil {
			return nil, fmt.Errorf("error at index %d: %w", i, err)
		}
		result[i] = rendered
	}

	return result, nil
}

// ExtractVariables returns the sorted set of placeholder names referenced
// anywhere in a value. The instance pool uses this to select the subset of
// context bindings that participate in the rendered hash.
func (e *Engine) ExtractVariables(value interface{}) []string {
	variables := make(map[string]bool)
	e.extractVariablesRecursive(value, variables)

	result := make([]string, 0, len(variables))
	for varName := range variables {
		result = append(result, varName)
	}
	sort.Strings(result)

	return result
}

func (e *Engine) extractVariablesRecursive(value interface{}, variables map[string]bool) {
	switch v := value.(type) {
	case string:
		matches := e.placeholderPattern.FindAllStringSubmatch(v, -1)
		for _, match := range matches {
			if len(match) >= 2 {
				variables[match[1]] = true
			}
		}
	case map[string]interface{}:
		for _, val := range v {
			e.extractVariablesRecursive(val, variables)
		}
	case []interface{}:
		for _, val := range v {
			e.extractVariablesRecursive(val, variables)
		}
	case []string:
		for _, val := range v {
			e.extractVariablesRecursive(val, variables)
		}
	}
}

// ValidateContext ensures all variables referenced by value are present in vars.
func (e *Engine) ValidateContext(value interface{}, vars map[string]interface{}) error {
	requiredVars := e.ExtractVariables(value)

	var missingVars []string
	for _, varName := range requiredVars {
		if _, exists := vars[varName]; !exists {
			missingVars = append(missingVars, varName)
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required variables: %s", strings.Join(missingVars, ", "))
	}

	return nil
}

// stringify converts a binding value to its string form for substitution.
func stringify(value interface{}) string {
	switch r := value.(type) {
	case string:
		return r
	case int, int32, int64:
		return fmt.Sprintf("%d", r)
	case float32, float64:
		return fmt.Sprintf("%g", r)
	case bool:
		return fmt.Sprintf("%t", r)
	default:
		return fmt.Sprintf("%v", r)
	}
}
