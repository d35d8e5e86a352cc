package registry

import (
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type toolEntry struct {
	server string
	client Client
	tool   *mcp.Tool
	// schema is the resolved input schema; nil disables argument validation.
	schema *jsonschema.Resolved
}

type promptEntry struct {
	server string
	client Client
	prompt *mcp.Prompt
}

type resourceEntry struct {
	server   string
	client   Client
	resource *mcp.Resource
}

// capabilityCache holds the three capability maps and the conflict set. It
// does no locking; every method must be called with the Registry lock held,
// which makes each method an atomic step for concurrent readers.
type capabilityCache struct {
	tools     map[string]*toolEntry
	conflicts map[string]struct{}
	prompts   map[string]*promptEntry
	resources map[string]*resourceEntry
	// promptSets holds every server's full prompt list, including prompts
	// shadowed by a later writer, so a removal can hand a name back.
	promptSets map[string][]*promptEntry

	logger *slog.Logger
}

func newCapabilityCache(logger *slog.Logger) *capabilityCache {
	return &capabilityCache{
		tools:     make(map[string]*toolEntry),
		conflicts: make(map[string]struct{}),
		prompts:   make(map[string]*promptEntry),
		resources:  make(map[string]*resourceEntry),
		promptSets: make(map[string][]*promptEntry),
		logger:     logger,
	}
}

// replaceTools swaps server's tool set for entries. Names the server stops
// offering are only re-examined after every removal and insertion has been
// applied, so a still-contested name is never demoted by accident.
func (c *capabilityCache) replaceTools(server string, entries []*toolEntry) {
	affected := c.removeToolsOwnedBy(server)
	for _, e := range entries {
		c.insertTool(e)
	}
	for base := range affected {
		c.resolveToolName(base)
	}
}

// removeToolsOwnedBy deletes every key owned by server and returns the base
// names that were touched.
func (c *capabilityCache) removeToolsOwnedBy(server string) map[string]struct{} {
	affected := make(map[string]struct{})
	for key, e := range c.tools {
		if e.server != server {
			continue
		}
		delete(c.tools, key)
		affected[e.tool.Name] = struct{}{}
	}
	return affected
}

func (c *capabilityCache) insertTool(e *toolEntry) {
	base := e.tool.Name
	if existing, ok := c.tools[base]; ok && existing.server != e.server {
		c.conflicts[base] = struct{}{}
		delete(c.tools, base)
		c.tools[QualifyToolName(existing.server, base)] = existing
		c.tools[QualifyToolName(e.server, base)] = e
		c.logger.Warn("tool name conflict detected",
			"tool", base, "servers", []string{existing.server, e.server})
		return
	}
	if _, conflicted := c.conflicts[base]; conflicted {
		c.tools[QualifyToolName(e.server, base)] = e
		return
	}
	c.tools[base] = e
}

// resolveToolName recounts the servers offering base and moves entries to
// the keys that count implies.
func (c *capabilityCache) resolveToolName(base string) {
	var keys []string
	for key, e := range c.tools {
		if e.tool.Name == base {
			keys = append(keys, key)
		}
	}
	switch len(keys) {
	case 0:
		delete(c.conflicts, base)
	case 1:
		if keys[0] != base {
			e := c.tools[keys[0]]
			delete(c.tools, keys[0])
			c.tools[base] = e
			c.logger.Info("tool name conflict resolved", "tool", base, "server", e.server)
		}
		delete(c.conflicts, base)
	default:
		c.conflicts[base] = struct{}{}
		if e, ok := c.tools[base]; ok {
			delete(c.tools, base)
			c.tools[QualifyToolName(e.server, base)] = e
		}
	}
}

// replacePrompts swaps server's prompts for entries. Names are not
// qualified; the last writer owns a shared name until it stops offering it,
// at which point another server still offering the name takes it back.
func (c *capabilityCache) replacePrompts(server string, entries []*promptEntry) {
	c.removePromptsOwnedBy(server)
	if len(entries) > 0 {
		c.promptSets[server] = entries
	}
	for _, e := range entries {
		if existing, ok := c.prompts[e.prompt.Name]; ok && existing.server != server {
			c.logger.Warn("prompt name already provided by another server, overwriting",
				"prompt", e.prompt.Name, "previous", existing.server, "server", server)
		}
		c.prompts[e.prompt.Name] = e
	}
}

func (c *capabilityCache) removePromptsOwnedBy(server string) {
	delete(c.promptSets, server)
	var freed []string
	for name, e := range c.prompts {
		if e.server == server {
			delete(c.prompts, name)
			freed = append(freed, name)
		}
	}
	if len(freed) > 0 {
		c.restorePrompts(freed)
	}
}

// restorePrompts hands each freed name to the remaining servers still
// offering it, the last in server-name order winning.
func (c *capabilityCache) restorePrompts(names []string) {
	servers := sortedKeys(c.promptSets)
	for _, name := range names {
		for _, server := range servers {
			for _, e := range c.promptSets[server] {
				if e.prompt.Name == name {
					c.prompts[name] = e
				}
			}
		}
		if e, ok := c.prompts[name]; ok {
			c.logger.Debug("prompt handed back to remaining server", "prompt", name, "server", e.server)
		}
	}
}

func (c *capabilityCache) replaceResources(server string, entries []*resourceEntry) {
	c.removeResourcesOwnedBy(server)
	for _, e := range entries {
		c.resources[ResourceKey(server, e.resource.URI)] = e
	}
}

func (c *capabilityCache) removeResourcesOwnedBy(server string) {
	for key, e := range c.resources {
		if e.server == server {
			delete(c.resources, key)
		}
	}
}

// removeServer purges every entry owned by server.
func (c *capabilityCache) removeServer(server string) {
	c.replaceTools(server, nil)
	c.removePromptsOwnedBy(server)
	c.removeResourcesOwnedBy(server)
}

func (c *capabilityCache) reset() {
	clear(c.tools)
	clear(c.conflicts)
	clear(c.prompts)
	clear(c.resources)
	clear(c.promptSets)
}
