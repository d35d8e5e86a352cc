package registry

import (
	"strings"
)

// ToolNameDelimiter separates the sanitized server token from the tool name in
// a qualified tool name.
const ToolNameDelimiter = "--"

// ResourceKeyPrefix is the protocol prefix of every resource cache key.
const ResourceKeyPrefix = "mcp"

// SanitizeServerName maps a server name to the token used inside qualified
// tool names. Runes outside [A-Za-z0-9_-] become '_', runs of '-' collapse to
// one, and trailing '-' are dropped, so the token can neither contain nor end
// in the delimiter. An empty result means the name cannot be qualified.
func SanitizeServerName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevDash := false
	for _, r := range name {
		switch {
		case r == '-':
			if prevDash {
				continue
			}
			prevDash = true
			b.WriteRune(r)
			continue
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		prevDash = false
	}
	return strings.TrimRight(b.String(), "-")
}

// QualifyToolName builds the qualified key for a tool offered by server.
func QualifyToolName(server, tool string) string {
	return SanitizeServerName(server) + ToolNameDelimiter + tool
}

// splitQualifiedToolName splits at the first delimiter. Sanitized tokens never
// contain the delimiter, so the first occurrence is the boundary.
func splitQualifiedToolName(name string) (token, tool string, ok bool) {
	idx := strings.Index(name, ToolNameDelimiter)
	if idx <= 0 {
		return "", "", false
	}
	tool = name[idx+len(ToolNameDelimiter):]
	if tool == "" {
		return "", "", false
	}
	return name[:idx], tool, true
}

// validToolName reports whether a tool name can be cached without making
// qualified-name parsing ambiguous.
func validToolName(name string) bool {
	return name != "" && !strings.Contains(name, ToolNameDelimiter)
}

// ResourceKey builds the cache key for a resource URI offered by server.
func ResourceKey(server, uri string) string {
	return ResourceKeyPrefix + ":" + server + ":" + uri
}

// ParseResourceKey reverses ResourceKey. Server names containing ':' make
// the split ambiguous, so callers resolve keys against the cache rather
// than trusting this parse alone.
func ParseResourceKey(key string) (server, uri string, ok bool) {
	rest, found := strings.CutPrefix(key, ResourceKeyPrefix+":")
	if !found {
		return "", "", false
	}
	server, uri, found = strings.Cut(rest, ":")
	if !found || server == "" || uri == "" {
		return "", "", false
	}
	return server, uri, true
}
