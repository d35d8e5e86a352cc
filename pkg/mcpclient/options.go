package mcpclient

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Server    string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// SlogRPCLogger returns an RPCLogger writing every message to logger at debug
// level.
func SlogRPCLogger(logger *slog.Logger) RPCLogger {
	return func(ev RPCLogEvent) {
		logger.Debug("jsonrpc", "server", ev.Server, "direction", ev.Direction, "message", string(ev.Message))
	}
}

// TransportFunc builds the transport for a server, replacing the built-in
// stdio/http/sse selection.
type TransportFunc func(ctx context.Context, name string, cfg registry.ServerConfig) (mcp.Transport, error)

// Options configures every Client built by New or NewFactory.
type Options struct {
	// ClientName is advertised to servers during initialization. When empty,
	// the server name is used.
	ClientName string
	// ClientVersion is the semantic version reported to servers.
	ClientVersion string
	// DefaultTimeout applies to connect and to every request when the server
	// configuration sets no timeout. Zero disables it.
	DefaultTimeout time.Duration
	// KeepAlive enables periodic pings on each session.
	KeepAlive time.Duration
	// HTTPClient is the base client for http and sse transports.
	HTTPClient *http.Client
	// Logger receives connection diagnostics and server log messages.
	Logger *slog.Logger
	// RPCLogger observes raw JSON-RPC traffic.
	RPCLogger RPCLogger
	// Transport overrides transport construction.
	Transport TransportFunc
	// DisableResourceSubscriptions stops the client from subscribing to the
	// resources it lists, which also silences resources/updated.
	DisableResourceSubscriptions bool
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	return opts
}
