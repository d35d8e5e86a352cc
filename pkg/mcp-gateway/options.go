package mcpgateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// SyncTimeout bounds how long a graceful shutdown may take.
	SyncTimeout time.Duration

	// TokenVerifier enables bearer token authentication on the MCP endpoint
	// and the admin routes.
	TokenVerifier func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error)
	// TokenOptions is passed to auth.RequireBearerToken. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer, when set, is advertised from
	// /.well-known/oauth-protected-resource.
	AuthorizationServer string

	// CORS overrides the default cross-origin policy.
	CORS *cors.Options
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// DisableAdmin removes the REST admin routes.
	DisableAdmin bool
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-registry",
			Title:   "MCP Registry Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return opts
}

func defaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id", "WWW-Authenticate"},
	}
}
