package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

// mirror keeps an mcp.Server's tools, prompts and resources equal to the
// registry's. Features are only re-added when their metadata changed so
// downstream clients do not see spurious list-changed notifications.
type mirror struct {
	server   *mcp.Server
	registry *registry.Registry

	mu        sync.Mutex
	tools     map[string]*mcp.Tool
	prompts   map[string]*mcp.Prompt
	resources map[string]*mcp.Resource
}

func newMirror(server *mcp.Server, reg *registry.Registry) *mirror {
	return &mirror{
		server:    server,
		registry:  reg,
		tools:     make(map[string]*mcp.Tool),
		prompts:   make(map[string]*mcp.Prompt),
		resources: make(map[string]*mcp.Resource),
	}
}

func (m *mirror) sync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncTools()
	m.syncPrompts()
	m.syncResources()
}

func (m *mirror) syncTools() {
	current := m.registry.GetAllTools()
	var removed []string
	for name := range m.tools {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
			delete(m.tools, name)
		}
	}
	if len(removed) > 0 {
		m.server.RemoveTools(removed...)
	}
	for name, tool := range current {
		tool.InputSchema = objectSchema(tool.InputSchema)
		if prev, ok := m.tools[name]; ok && reflect.DeepEqual(prev, tool) {
			continue
		}
		m.tools[name] = tool
		m.server.AddTool(tool, m.toolHandler(name))
	}
}

func (m *mirror) syncPrompts() {
	current := make(map[string]*mcp.Prompt)
	for _, info := range m.registry.GetAllPromptMetadata() {
		prompt := *info.Prompt
		prompt.Name = info.Name
		current[info.Name] = &prompt
	}
	var removed []string
	for name := range m.prompts {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
			delete(m.prompts, name)
		}
	}
	if len(removed) > 0 {
		m.server.RemovePrompts(removed...)
	}
	for name, prompt := range current {
		if prev, ok := m.prompts[name]; ok && reflect.DeepEqual(prev, prompt) {
			continue
		}
		m.prompts[name] = prompt
		m.server.AddPrompt(prompt, m.promptHandler(name))
	}
}

// syncResources exposes every resource under its registry key, which is
// itself a valid URI, so resources from different servers never collide.
func (m *mirror) syncResources() {
	current := make(map[string]*mcp.Resource)
	natives := make(map[string]string)
	for _, info := range m.registry.ListAllResources() {
		res := *info.Resource
		res.URI = info.Key
		current[info.Key] = &res
		natives[info.Key] = info.URI
	}
	var removed []string
	for key := range m.resources {
		if _, ok := current[key]; !ok {
			removed = append(removed, key)
			delete(m.resources, key)
		}
	}
	if len(removed) > 0 {
		m.server.RemoveResources(removed...)
	}
	for key, res := range current {
		if prev, ok := m.resources[key]; ok && reflect.DeepEqual(prev, res) {
			continue
		}
		m.resources[key] = res
		m.server.AddResource(res, m.resourceHandler(key, natives[key]))
	}
}

func (m *mirror) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			raw       any
			sessionID string
		)
		if req != nil {
			if req.Params != nil {
				raw = req.Params.Arguments
			}
			if req.Session != nil {
				sessionID = req.Session.ID()
			}
		}
		args, err := decodeArguments(raw)
		if err != nil {
			return errorResult(err), nil
		}
		res, err := m.registry.ExecuteTool(ctx, name, args, sessionID)
		if err != nil {
			var regErr *registry.Error
			if errors.As(err, &regErr) {
				return errorResult(err), nil
			}
			return nil, err
		}
		return res, nil
	}
}

func (m *mirror) promptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args map[string]string
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		return m.registry.GetPrompt(ctx, name, args)
	}
}

func (m *mirror) resourceHandler(key, native string) mcp.ResourceHandler {
	return func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		res, err := m.registry.ReadResource(ctx, key)
		if errors.Is(err, registry.ErrResourceNotFound) {
			return nil, mcp.ResourceNotFoundError(key)
		}
		if err != nil {
			return nil, err
		}
		return relabelContents(res, native, key), nil
	}
}

// relabelContents reports contents of the native URI under the gateway key
// the client asked for.
func relabelContents(res *mcp.ReadResourceResult, native, key string) *mcp.ReadResourceResult {
	if res == nil {
		return nil
	}
	out := *res
	out.Contents = make([]*mcp.ResourceContents, 0, len(res.Contents))
	for _, c := range res.Contents {
		if c == nil {
			continue
		}
		clone := *c
		if clone.URI == native || clone.URI == "" {
			clone.URI = key
		}
		out.Contents = append(out.Contents, &clone)
	}
	return &out
}

// decodeArguments accepts the raw JSON the server hands to tool handlers as
// well as already decoded values.
func decodeArguments(raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("mcpgateway: encode arguments: %w", err)
		}
		data = encoded
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("mcpgateway: arguments must be a JSON object: %w", err)
	}
	return args, nil
}

// objectSchema normalizes a tool input schema into the object form the MCP
// server requires.
func objectSchema(schema any) any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	switch t := m["type"].(type) {
	case nil:
		m["type"] = "object"
	case string:
		if t != "object" {
			return map[string]any{"type": "object"}
		}
	default:
		return map[string]any{"type": "object"}
	}
	return m
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

// toolNames lists the tools currently registered on the server, sorted.
func (m *mirror) toolNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
