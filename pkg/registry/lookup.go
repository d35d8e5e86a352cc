package registry

import (
	"context"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Meta keys set on tools returned by GetAllTools.
const (
	MetaServerKey = "mcp-registry/server"
	MetaToolKey   = "mcp-registry/tool"
)

// ToolInfo describes one exposed tool.
type ToolInfo struct {
	// Name is the key callers use with ExecuteTool.
	Name string
	// Server owns the tool and RemoteName is what that server calls it.
	Server     string
	RemoteName string
	Qualified  bool
	Tool       *mcp.Tool
}

// PromptInfo describes one cached prompt.
type PromptInfo struct {
	Name   string
	Server string
	Prompt *mcp.Prompt
}

// ResourceInfo describes one cached resource.
type ResourceInfo struct {
	Key      string
	Server   string
	URI      string
	Resource *mcp.Resource
}

// GetAllTools returns every exposed tool keyed by its exposed name. The
// returned tools are copies named after their key; qualified tools get their
// owning server appended to the description.
func (r *Registry) GetAllTools() map[string]*mcp.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*mcp.Tool, len(r.cache.tools))
	for key, e := range r.cache.tools {
		out[key] = exposeTool(key, e)
	}
	return out
}

// GetAllToolsWithServerInfo is GetAllTools with ownership details.
func (r *Registry) GetAllToolsWithServerInfo() map[string]ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ToolInfo, len(r.cache.tools))
	for key, e := range r.cache.tools {
		out[key] = ToolInfo{
			Name:       key,
			Server:     e.server,
			RemoteName: e.tool.Name,
			Qualified:  key != e.tool.Name,
			Tool:       exposeTool(key, e),
		}
	}
	return out
}

func exposeTool(key string, e *toolEntry) *mcp.Tool {
	clone := *e.tool
	clone.Name = key
	if key != e.tool.Name {
		if clone.Description == "" {
			clone.Description = "(via " + e.server + ")"
		} else {
			clone.Description += " (via " + e.server + ")"
		}
	}
	meta := make(map[string]any, len(e.tool.Meta)+2)
	for k, v := range e.tool.Meta {
		meta[k] = v
	}
	meta[MetaServerKey] = e.server
	meta[MetaToolKey] = e.tool.Name
	clone.Meta = meta
	return &clone
}

// GetToolClient returns the client that owns the exposed tool name.
func (r *Registry) GetToolClient(name string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache.tools[name]
	if !ok {
		return nil, toolNotFound(name)
	}
	return e.client, nil
}

// ParseQualifiedToolName splits an exposed qualified name into the original
// server name and the server's own tool name. It reports false for simple
// names, for tokens that map to no registered server and for qualified names
// not currently in the cache.
func (r *Registry) ParseQualifiedToolName(name string) (server, tool string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parseQualifiedLocked(name)
}

func (r *Registry) parseQualifiedLocked(name string) (server, tool string, ok bool) {
	token, tool, ok := splitQualifiedToolName(name)
	if !ok {
		return "", "", false
	}
	server, ok = r.sanitized[token]
	if !ok {
		return "", "", false
	}
	if _, cached := r.cache.tools[name]; !cached {
		return "", "", false
	}
	return server, tool, true
}

// ExecuteTool dispatches a call to the server owning name, translating a
// qualified name back to the server's own tool name. Arguments are checked
// against the tool's input schema first unless validation is disabled.
// Errors returned by the client are passed through unchanged.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]any, sessionID string) (*mcp.CallToolResult, error) {
	r.mu.Lock()
	e, ok := r.cache.tools[name]
	if !ok {
		r.mu.Unlock()
		return nil, toolNotFound(name)
	}
	remote := name
	if _, tool, qualified := r.parseQualifiedLocked(name); qualified {
		remote = tool
	}
	r.mu.Unlock()

	if !r.opts.SkipArgumentValidation {
		if err := validateArguments(e, name, args); err != nil {
			r.metrics.toolCalls.WithLabelValues(e.server, "invalid_arguments").Inc()
			return nil, err
		}
	}

	r.logger.Debug("executing tool", "tool", name, "server", e.server, "remote", remote)
	res, err := e.client.CallTool(WithSessionID(ctx, sessionID), remote, args)
	switch {
	case err != nil:
		r.metrics.toolCalls.WithLabelValues(e.server, "error").Inc()
	case res != nil && res.IsError:
		r.metrics.toolCalls.WithLabelValues(e.server, "tool_error").Inc()
	default:
		r.metrics.toolCalls.WithLabelValues(e.server, "ok").Inc()
	}
	return res, err
}

// ListAllPrompts returns the cached prompt names in sorted order.
func (r *Registry) ListAllPrompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.cache.prompts))
	for name := range r.cache.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) GetPromptMetadata(name string) (*mcp.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache.prompts[name]
	if !ok {
		return nil, promptNotFound(name)
	}
	return e.prompt, nil
}

func (r *Registry) GetAllPromptMetadata() []PromptInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PromptInfo, 0, len(r.cache.prompts))
	for name, e := range r.cache.prompts {
		out = append(out, PromptInfo{Name: name, Server: e.server, Prompt: e.prompt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetPrompt fetches a prompt from the server that owns it.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	r.mu.Lock()
	e, ok := r.cache.prompts[name]
	r.mu.Unlock()
	if !ok {
		return nil, promptNotFound(name)
	}
	return e.client.GetPrompt(ctx, name, args)
}

// ListAllResources returns every cached resource sorted by key.
func (r *Registry) ListAllResources() []ResourceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResourceInfo, 0, len(r.cache.resources))
	for key, e := range r.cache.resources {
		out = append(out, resourceInfo(key, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) HasResource(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache.resources[key]
	return ok
}

// GetResource returns the cached metadata for a qualified resource key.
func (r *Registry) GetResource(key string) (ResourceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache.resources[key]
	if !ok {
		return ResourceInfo{}, resourceNotFound(key)
	}
	return resourceInfo(key, e), nil
}

// ReadResource reads a resource by its qualified key from the owning server,
// passing the server its original URI.
func (r *Registry) ReadResource(ctx context.Context, key string) (*mcp.ReadResourceResult, error) {
	r.mu.Lock()
	e, ok := r.cache.resources[key]
	r.mu.Unlock()
	if !ok {
		return nil, resourceNotFound(key)
	}
	return e.client.ReadResource(ctx, e.resource.URI)
}

func resourceInfo(key string, e *resourceEntry) ResourceInfo {
	return ResourceInfo{Key: key, Server: e.server, URI: e.resource.URI, Resource: e.resource}
}

// GetClients returns a snapshot of the registered clients.
func (r *Registry) GetClients() map[string]Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Client, len(r.clients))
	for name, c := range r.clients {
		out[name] = c
	}
	return out
}

// GetFailedConnections returns the latest connection error of every server
// whose most recent attempt failed.
func (r *Registry) GetFailedConnections() map[string]ConnectionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ConnectionError, len(r.failures))
	for name, f := range r.failures {
		out[name] = f
	}
	return out
}

// ServerConfigs returns the stored configurations of connected servers.
func (r *Registry) ServerConfigs() map[string]ServerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ServerConfig, len(r.configs))
	for name, cfg := range r.configs {
		out[name] = cfg
	}
	return out
}
