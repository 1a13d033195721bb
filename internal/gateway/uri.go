package gateway

import "strings"

// NameSeparator joins a connection name and an upstream identifier into the
// composite names exposed at the inbound boundary.
const NameSeparator = "_1mcp_"

// ReservedName is the connection name reserved for the internal-tools
// provider. No configured server may use it.
const ReservedName = "1mcp"

// BuildName returns the exposed composite name for an upstream identifier.
func BuildName(server, inner string) string {
	return server + NameSeparator + inner
}

// ParseName splits an exposed name on the first separator. ok is false for
// unprefixed names, which are only meaningful for meta-tools and
// directly-exposed tools.
func ParseName(exposed string) (server, inner string, ok bool) {
	idx := strings.Index(exposed, NameSeparator)
	if idx <= 0 || idx+len(NameSeparator) >= len(exposed) {
		return "", "", false
	}
	return exposed[:idx], exposed[idx+len(NameSeparator):], true
}
