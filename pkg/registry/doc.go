// Package registry aggregates the tools, prompts, and resources exposed by any
// number of independently managed MCP servers into one flat, conflict-free
// namespace that an agent loop can consume without knowing which server owns
// which capability.
//
// # Core entry points
//
//   - Registry owns the connected clients and a capability cache. Construct it
//     with New, then call InitializeFromConfig once at startup or
//     ConnectServer / RemoveClient / RestartServer as servers come and go.
//   - Client is the per-server collaborator the registry drives. The mcpclient
//     package provides the go-sdk backed implementation; tests supply fakes.
//   - Config and ServerConfig describe the servers to connect, including the
//     per-server strict/lenient connection policy used during bulk startup.
//
// Reads (GetAllTools, ListAllPrompts, ListAllResources, ...) are served from
// the cache without network I/O. ExecuteTool, GetPrompt and ReadResource call
// through to the owning client.
//
// # Tool names
//
// A tool offered by exactly one server is exposed under its own name. When two
// or more servers offer the same name, every copy is exposed under a qualified
// name of the form SanitizeServerName(server) + "--" + tool, and the qualified
// copies collapse back to the plain name as soon as only one server offers it
// again. Push notifications from servers (tool list changed, prompt list
// changed, resource updated) patch the cache in place and are re-published on
// the registry's event bus.
//
// # Configuration changes
//
// Reconcile applies a new Config to a running registry, and ConfigWatcher
// calls it whenever the configuration file changes on disk. Metrics are
// registered on the prometheus.Registerer passed in Options.
package registry
