// Package mcpclient implements registry.Client on top of the
// modelcontextprotocol/go-sdk client. It handles transport setup (stdio,
// streamable HTTP with SSE fallback, or legacy SSE), per-request timeouts,
// pagination of list requests and fan-out of server notifications to the
// handlers the registry subscribes.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

// MetaSessionIDKey carries the caller's session id in the _meta of tools/call
// requests.
const MetaSessionIDKey = "mcp-registry/session-id"

var errNotConnected = errors.New("not connected")

// Client is a go-sdk backed registry.Client for one server.
type Client struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex
	session    *mcp.ClientSession
	timeout    time.Duration
	tracker    *sessionIDTracker
	subscribed map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[registry.NotificationKind][]registry.NotificationHandler
	// notifyMu serializes handler runs so refetches triggered by successive
	// notifications never overlap.
	notifyMu sync.Mutex
}

var _ registry.Client = (*Client)(nil)

// New returns an unconnected Client for the named server.
func New(name string, opts *Options) *Client {
	options := opts.withDefaults()
	return &Client{
		name:     name,
		opts:     options,
		logger:   options.Logger.With("server", name),
		tracker:  &sessionIDTracker{},
		handlers: make(map[registry.NotificationKind][]registry.NotificationHandler),
	}
}

// NewFactory returns a registry.ClientFactory producing Clients that share
// opts.
func NewFactory(opts *Options) registry.ClientFactory {
	return func(name string, _ registry.ServerConfig) registry.Client {
		return New(name, opts)
	}
}

// Connect establishes the session described by cfg. A failed Connect leaves
// the Client unconnected so it can be retried.
func (c *Client) Connect(ctx context.Context, cfg registry.ServerConfig, name string) error {
	if c.name == "" && name != "" {
		c.name = name
		c.logger = c.opts.Logger.With("server", name)
	}
	c.mu.RLock()
	connected := c.session != nil
	c.mu.RUnlock()
	if connected {
		return fmt.Errorf("mcpclient: %q already connected", c.name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	connectCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := c.establishSession(connectCtx, cfg)
	if err != nil {
		return err
	}
	c.tracker.Set(session.ID())

	c.mu.Lock()
	c.session = session
	c.timeout = timeout
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()

	go c.monitorSession(session)
	c.logger.Debug("session established", "transport", cfg.Type, "session_id", session.ID())
	return nil
}

func (c *Client) establishSession(ctx context.Context, cfg registry.ServerConfig) (*mcp.ClientSession, error) {
	clientName := c.opts.ClientName
	if clientName == "" {
		clientName = c.name
	}
	impl := &mcp.Implementation{Name: clientName, Version: c.opts.ClientVersion}
	clientOpts := c.clientOptions()

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, error) {
		client := mcp.NewClient(impl, &clientOpts)
		wrapped := transport
		if c.opts.RPCLogger != nil {
			wrapped = &loggingTransport{server: c.name, delegate: transport, logger: c.opts.RPCLogger}
		}
		return client.Connect(ctx, wrapped, nil)
	}

	if c.opts.Transport != nil {
		transport, err := c.opts.Transport(ctx, c.name, cfg)
		if err != nil {
			return nil, err
		}
		return attempt(ctx, transport)
	}

	switch cfg.Type {
	case registry.TransportStdio:
		transport, err := buildStdioTransport(c.name, cfg)
		if err != nil {
			return nil, err
		}
		return attempt(ctx, transport)
	case registry.TransportHTTP, registry.TransportSSE:
		return c.establishHTTPSession(ctx, cfg, attempt)
	default:
		return nil, fmt.Errorf("mcpclient: unsupported transport %q for %q", cfg.Type, c.name)
	}
}

// establishHTTPSession tries streamable HTTP first and falls back to SSE,
// unless the configuration points at an SSE endpoint.
func (c *Client) establishHTTPSession(
	ctx context.Context,
	cfg registry.ServerConfig,
	attempt func(context.Context, mcp.Transport) (*mcp.ClientSession, error),
) (*mcp.ClientSession, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcpclient: url missing for %q", c.name)
	}
	c.tracker.Set("")
	httpClient := decorateHTTPClient(c.opts.HTTPClient, headersFromConfig(cfg), c.tracker)

	var streamErr error
	if !shouldPreferSSE(cfg) {
		session, err := attempt(ctx, &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient})
		if err == nil {
			return session, nil
		}
		streamErr = err
		c.logger.Debug("streamable http connect failed, trying sse", "error", err)
	}
	session, err := attempt(ctx, &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient})
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, err
	}
	return session, nil
}

func (c *Client) clientOptions() mcp.ClientOptions {
	return mcp.ClientOptions{
		KeepAlive: c.opts.KeepAlive,
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.dispatch(registry.Notification{Kind: registry.NotificationToolsListChanged})
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			c.dispatch(registry.Notification{Kind: registry.NotificationPromptsListChanged})
		},
		ResourceUpdatedHandler: func(_ context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
			if req == nil || req.Params == nil {
				return
			}
			c.dispatch(registry.Notification{Kind: registry.NotificationResourceUpdated, URI: req.Params.URI})
		},
		LoggingMessageHandler: func(ctx context.Context, req *mcp.LoggingMessageRequest) {
			if req == nil || req.Params == nil {
				return
			}
			c.logger.Log(ctx, slogLevel(req.Params.Level), "server log",
				"logger", req.Params.Logger, "data", req.Params.Data)
		},
	}
}

func slogLevel(level mcp.LoggingLevel) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// dispatch runs the subscribed handlers off the session's read loop, since
// handlers typically issue requests on the same session.
func (c *Client) dispatch(n registry.Notification) {
	c.handlersMu.RLock()
	handlers := append([]registry.NotificationHandler(nil), c.handlers[n.Kind]...)
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	go func() {
		c.notifyMu.Lock()
		defer c.notifyMu.Unlock()
		for _, h := range handlers {
			ctx, cancel := c.requestContext(context.Background())
			h(ctx, n)
			cancel()
		}
	}()
}

// On subscribes handler to notifications of kind.
func (c *Client) On(kind registry.NotificationKind, handler registry.NotificationHandler) error {
	switch kind {
	case registry.NotificationToolsListChanged, registry.NotificationPromptsListChanged, registry.NotificationResourceUpdated:
	default:
		return fmt.Errorf("mcpclient: unknown notification kind %q", kind)
	}
	if handler == nil {
		return fmt.Errorf("mcpclient: nil handler for %q", kind)
	}
	c.handlersMu.Lock()
	c.handlers[kind] = append(c.handlers[kind], handler)
	c.handlersMu.Unlock()
	return nil
}

func (c *Client) monitorSession(session *mcp.ClientSession) {
	err := session.Wait()
	c.mu.Lock()
	current := c.session == session
	if current {
		c.session = nil
	}
	c.mu.Unlock()
	if current && err != nil {
		c.logger.Warn("session ended", "error", err)
	}
}

// Disconnect closes the session. Disconnecting an unconnected Client is a
// no-op.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// SessionID returns the negotiated session id, if the transport has one.
func (c *Client) SessionID() string {
	return c.tracker.Value()
}

func (c *Client) ensureSession() (*mcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, fmt.Errorf("mcpclient: %q: %w", c.name, errNotConnected)
	}
	return c.session, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.RLock()
	timeout := c.timeout
	c.mu.RUnlock()
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// GetTools lists every tool, following pagination cursors. Servers without
// tool support yield an empty list.
func (c *Client) GetTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.ensureSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	tools := []*mcp.Tool{}
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Tool{}, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes name on the server. A session id attached to ctx with
// registry.WithSessionID is forwarded in the request's _meta.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := c.ensureSession()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("mcpclient: tool name is required for %q", c.name)
	}
	params := &mcp.CallToolParams{Name: name, Arguments: args}
	if id := registry.SessionIDFromContext(ctx); id != "" {
		params.SetMeta(map[string]any{MetaSessionIDKey: id})
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return session.CallTool(ctx, params)
}

func (c *Client) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	session, err := c.ensureSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	prompts := []*mcp.Prompt{}
	params := &mcp.ListPromptsParams{}
	for {
		res, err := session.ListPrompts(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Prompt{}, nil
			}
			return nil, err
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts, nil
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	session, err := c.ensureSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
}

func (c *Client) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	session, err := c.ensureSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	resources := []*mcp.Resource{}
	params := &mcp.ListResourcesParams{}
	for {
		res, err := session.ListResources(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Resource{}, nil
			}
			return nil, err
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			c.subscribeResources(ctx, session, resources)
			return resources, nil
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session, err := c.ensureSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// subscribeResources asks the server for update notifications on every
// listed resource not yet subscribed. Servers only send resources/updated
// to sessions that subscribed.
func (c *Client) subscribeResources(ctx context.Context, session *mcp.ClientSession, resources []*mcp.Resource) {
	if c.opts.DisableResourceSubscriptions || !supportsSubscribe(session) {
		return
	}
	for _, res := range resources {
		if res == nil || res.URI == "" {
			continue
		}
		c.mu.Lock()
		if c.session != session {
			c.mu.Unlock()
			return
		}
		_, done := c.subscribed[res.URI]
		c.subscribed[res.URI] = struct{}{}
		c.mu.Unlock()
		if done {
			continue
		}
		if err := session.Subscribe(ctx, &mcp.SubscribeParams{URI: res.URI}); err != nil {
			c.mu.Lock()
			delete(c.subscribed, res.URI)
			c.mu.Unlock()
			c.logger.Debug("resource subscribe failed", "uri", res.URI, "error", err)
		}
	}
}

func supportsSubscribe(session *mcp.ClientSession) bool {
	init := session.InitializeResult()
	return init != nil && init.Capabilities != nil &&
		init.Capabilities.Resources != nil && init.Capabilities.Resources.Subscribe
}
