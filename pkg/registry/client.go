package registry

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NotificationKind identifies a push notification a Client can deliver.
type NotificationKind string

const (
	NotificationResourceUpdated    NotificationKind = "resourceUpdated"
	NotificationPromptsListChanged NotificationKind = "promptsListChanged"
	NotificationToolsListChanged   NotificationKind = "toolsListChanged"
)

// Notification is the payload handed to a NotificationHandler. URI is only
// set for NotificationResourceUpdated.
type Notification struct {
	Kind NotificationKind
	URI  string
}

// NotificationHandler receives notifications from one Client.
type NotificationHandler func(context.Context, Notification)

// Client is the local proxy for one remote server. Implementations must be
// safe for concurrent use; the registry may list capabilities while a tool
// call is in flight.
type Client interface {
	Connect(ctx context.Context, cfg ServerConfig, name string) error
	Disconnect(ctx context.Context) error

	GetTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)

	ListResources(ctx context.Context) ([]*mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// On subscribes handler to notifications of the given kind.
	On(kind NotificationKind, handler NotificationHandler) error
}

// ClientFactory creates an unconnected Client for a server.
type ClientFactory func(name string, cfg ServerConfig) Client

type sessionIDKey struct{}

// WithSessionID attaches the caller's session identifier to ctx. ExecuteTool
// sets it so Client implementations can forward it to the server.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session identifier set by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
