package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeCall struct {
	name      string
	args      map[string]any
	sessionID string
}

type fakeClient struct {
	mu sync.Mutex

	tools     []*mcp.Tool
	prompts   []*mcp.Prompt
	resources []*mcp.Resource

	// failConnects makes the first n Connect calls fail.
	failConnects  int
	connectErr    error
	toolsErr      error
	promptsErr    error
	resourcesErr  error
	disconnectErr error
	onErr         error

	// connectGate, when set, holds Connect until it is closed; each held
	// call is announced on connectStarted.
	connectGate    chan struct{}
	connectStarted chan struct{}
	// beforeListPrompts runs once, at the start of the next ListPrompts.
	beforeListPrompts func()

	connects    int
	disconnects int
	calls       []fakeCall
	reads       []string
	handlers    map[NotificationKind]NotificationHandler
}

func newFakeClient(tools ...string) *fakeClient {
	c := &fakeClient{handlers: make(map[NotificationKind]NotificationHandler)}
	c.setTools(tools...)
	return c
}

func (c *fakeClient) setTools(names ...string) {
	tools := make([]*mcp.Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, &mcp.Tool{Name: n, Description: n + " tool"})
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

func (c *fakeClient) setPrompts(names ...string) {
	prompts := make([]*mcp.Prompt, 0, len(names))
	for _, n := range names {
		prompts = append(prompts, &mcp.Prompt{Name: n})
	}
	c.mu.Lock()
	c.prompts = prompts
	c.mu.Unlock()
}

func (c *fakeClient) setResources(resources ...*mcp.Resource) {
	c.mu.Lock()
	c.resources = resources
	c.mu.Unlock()
}

func (c *fakeClient) Connect(context.Context, ServerConfig, string) error {
	c.mu.Lock()
	gate, started := c.connectGate, c.connectStarted
	c.mu.Unlock()
	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.failConnects > 0 {
		c.failConnects--
		return errors.New("connection refused")
	}
	return c.connectErr
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.disconnectErr
}

func (c *fakeClient) GetTools(context.Context) ([]*mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.toolsErr != nil {
		return nil, c.toolsErr
	}
	return append([]*mcp.Tool(nil), c.tools...), nil
}

func (c *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fakeCall{name: name, args: args, sessionID: SessionIDFromContext(ctx)})
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: name}}}, nil
}

func (c *fakeClient) ListPrompts(context.Context) ([]*mcp.Prompt, error) {
	c.mu.Lock()
	hook := c.beforeListPrompts
	c.beforeListPrompts = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promptsErr != nil {
		return nil, c.promptsErr
	}
	return append([]*mcp.Prompt(nil), c.prompts...), nil
}

func (c *fakeClient) GetPrompt(_ context.Context, name string, _ map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: name}, nil
}

func (c *fakeClient) ListResources(context.Context) ([]*mcp.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resourcesErr != nil {
		return nil, c.resourcesErr
	}
	return append([]*mcp.Resource(nil), c.resources...), nil
}

func (c *fakeClient) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.Lock()
	c.reads = append(c.reads, uri)
	c.mu.Unlock()
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: uri, Text: "body"}}}, nil
}

func (c *fakeClient) On(kind NotificationKind, handler NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onErr != nil {
		return c.onErr
	}
	c.handlers[kind] = handler
	return nil
}

// fire delivers a notification the way a connected server would.
func (c *fakeClient) fire(ctx context.Context, kind NotificationKind, uri string) {
	c.mu.Lock()
	h := c.handlers[kind]
	c.mu.Unlock()
	if h != nil {
		h(ctx, Notification{Kind: kind, URI: uri})
	}
}

func (c *fakeClient) callLog() []fakeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeCall(nil), c.calls...)
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// fakeFactory hands out a fresh fakeClient per connect attempt, built by
// build, and remembers every client it created.
type fakeFactory struct {
	mu      sync.Mutex
	build   func(name string) *fakeClient
	created map[string][]*fakeClient
}

func newFakeFactory(build func(name string) *fakeClient) *fakeFactory {
	return &fakeFactory{build: build, created: make(map[string][]*fakeClient)}
}

func (f *fakeFactory) New(name string, _ ServerConfig) Client {
	c := f.build(name)
	f.mu.Lock()
	f.created[name] = append(f.created[name], c)
	f.mu.Unlock()
	return c
}

func (f *fakeFactory) clients(name string) []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.created[name]...)
}

func (f *fakeFactory) last(name string) *fakeClient {
	all := f.clients(name)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
