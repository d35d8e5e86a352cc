package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

// Gateway exposes a Streamable MCP server that fronts every server held by a
// registry under a single HTTP endpoint. The registry's flat tool namespace,
// prompts and resources are mirrored onto the server and kept in step with
// registry events.
type Gateway struct {
	registry *registry.Registry
	opts     Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler
	mux           *http.ServeMux

	mirror      *mirror
	unsubscribe func()

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over reg, mirrors the current registry contents
// and subscribes to registry events.
func NewGateway(reg *registry.Registry, opts *Options) (*Gateway, error) {
	if reg == nil {
		return nil, fmt.Errorf("mcpgateway: registry is required")
	}
	options := opts.withDefaults()
	if options.TokenVerifier == nil {
		if options.TokenOptions != nil {
			return nil, fmt.Errorf("mcpgateway: TokenOptions requires TokenVerifier")
		}
		if options.AuthorizationServer != "" {
			return nil, fmt.Errorf("mcpgateway: AuthorizationServer requires TokenVerifier")
		}
	}

	g := &Gateway{
		registry: reg,
		opts:     options,
		mux:      http.NewServeMux(),
	}
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   g.handleSubscribe,
		UnsubscribeHandler: g.handleUnsubscribe,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mirror = newMirror(g.server, reg)
	g.httpHandler = g.mountHandler()

	g.unsubscribe = reg.Events().Subscribe(g.handleEvent)
	g.Sync()
	return g, nil
}

// Handler exposes the HTTP handler serving the MCP endpoint, the admin routes
// and any routes added through ServeMux.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux that receives every request no built-in route
// matches. Routes may be added before or after serving starts.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Options returns the effective options after defaults were applied.
func (g *Gateway) Options() Options {
	return g.opts
}

// Sync mirrors the current registry contents onto the MCP server. It runs
// automatically on registry events; callers that register clients directly
// with the registry call it themselves.
func (g *Gateway) Sync() {
	g.mirror.sync()
}

// Close stops following registry events. It does not stop a running HTTP
// server; use Shutdown for that.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) handleEvent(ev registry.Event) {
	if ev.Type == registry.EventResourceUpdated {
		g.forwardResourceUpdate(ev)
		return
	}
	g.Sync()
}

func (g *Gateway) forwardResourceUpdate(ev registry.Event) {
	if ev.ResourceKey == "" {
		return
	}
	// The resource may be new to the mirror; updating metadata first keeps
	// subscribers able to read it.
	g.Sync()
	err := g.server.ResourceUpdated(context.Background(), &mcp.ResourceUpdatedNotificationParams{URI: ev.ResourceKey})
	g.logError("forward resource update", err, "server", ev.Server, "resource", ev.ResourceKey)
}

func (g *Gateway) handleSubscribe(_ context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("mcpgateway: missing subscribe params")
	}
	if !g.registry.HasResource(req.Params.URI) {
		return fmt.Errorf("mcpgateway: unknown resource %q", req.Params.URI)
	}
	return nil
}

func (g *Gateway) handleUnsubscribe(_ context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("mcpgateway: missing unsubscribe params")
	}
	return nil
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
