package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"onemcp/pkg/logging"

	"github.com/Masterminds/sprig/v3"
)

// defaultInstructionsTemplate renders the gateway preamble plus one section
// per upstream that ships its own instructions.
const defaultInstructionsTemplate = `This gateway aggregates multiple MCP servers. Tool, resource, and prompt
names are prefixed with "{server}_1mcp_" to indicate their origin.
{{- range .Servers }}
{{- if .Instructions }}

## {{ .Name }}{{ if .Tags }} ({{ join ", " .Tags }}){{ end }}
{{ .Instructions }}
{{- end }}
{{- end }}
`

// DefaultTemplateSizeLimit bounds rendered instructions; oversized output
// falls back to the default template.
const DefaultTemplateSizeLimit = 16 * 1024

// ServerInstructions is the per-server data available to instruction
// templates.
type ServerInstructions struct {
	Name         string
	Tags         []string
	Instructions string
}

// InstructionData is the root object instruction templates render against.
type InstructionData struct {
	Servers []ServerInstructions
}

// RenderInstructions produces the aggregated instructions string for a
// session. When customTemplate is empty the default template is used; when
// a custom template fails to parse, render, or exceeds sizeLimit, the
// default template's output is returned instead.
func RenderInstructions(snapshot *Snapshot, configured map[string]string, customTemplate string, sizeLimit int) string {
	if sizeLimit <= 0 {
		sizeLimit = DefaultTemplateSizeLimit
	}

	data := buildInstructionData(snapshot, configured)

	if customTemplate != "" {
		out, err := renderTemplate("custom", customTemplate, data)
		if err != nil {
			logging.Warn("Instructions", "Custom instruction template failed, using default: %v", err)
		} else if len(out) > sizeLimit {
			logging.Warn("Instructions", "Custom instruction output %d bytes exceeds limit %d, using default",
				len(out), sizeLimit)
		} else {
			return out
		}
	}

	out, err := renderTemplate("default", defaultInstructionsTemplate, data)
	if err != nil {
		// The default template is static; a render failure here is a bug.
		logging.Error("Instructions", err, "Default instruction template failed")
		return ""
	}
	return out
}

func buildInstructionData(snapshot *Snapshot, configured map[string]string) InstructionData {
	byName := make(map[string]ServerInstructions)
	for _, caps := range snapshot.Servers {
		if _, exists := byName[caps.Name]; exists {
			continue
		}
		byName[caps.Name] = ServerInstructions{
			Name:         caps.Name,
			Tags:         caps.Tags,
			Instructions: strings.TrimSpace(configured[caps.Name]),
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	data := InstructionData{Servers: make([]ServerInstructions, 0, len(names))}
	for _, name := range names {
		data.Servers = append(data.Servers, byName[name])
	}
	return data
}

func renderTemplate(name, text string, data InstructionData) (string, error) {
	tmpl, err := template.New(name).Funcs(sprig.FuncMap()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	return sb.String(), nil
}
