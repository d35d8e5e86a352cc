package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Options configure a Registry.
type Options struct {
	// NewClient builds the Client for ConnectServer, InitializeFromConfig and
	// RestartServer. Registries without a factory can only use RegisterClient.
	NewClient ClientFactory
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics registers the registry's prometheus collectors. Nil disables
	// registration.
	Metrics prometheus.Registerer
	// MaxConcurrentConnects caps parallel connects during InitializeFromConfig
	// and Reconcile. Zero means unbounded.
	MaxConcurrentConnects int
	// RetryInitialInterval is the first backoff delay for servers configured
	// with Retries. Defaults to 500ms.
	RetryInitialInterval time.Duration
	// SkipArgumentValidation dispatches tool calls without checking arguments
	// against the tool's input schema.
	SkipArgumentValidation bool
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 500 * time.Millisecond
	}
	return opts
}

// ConnectionError records the most recent failed connection attempt for a
// server.
type ConnectionError struct {
	Message string
	Code    ErrorCode
}

// Registry aggregates the capabilities of every registered client. All cache
// mutation happens under mu and never spans a network call, so each
// connect, notification or removal lands as one atomic update no matter how
// the surrounding network calls interleave.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	events  *EventBus
	metrics *metrics

	mu         sync.Mutex
	clients    map[string]Client
	sanitized  map[string]string
	configs    map[string]ServerConfig
	failures   map[string]ConnectionError
	connecting map[string]struct{}
	cache      *capabilityCache
}

// New constructs an empty Registry.
func New(opts *Options) *Registry {
	options := opts.withDefaults()
	return &Registry{
		opts:       options,
		logger:     options.Logger,
		events:     newEventBus(options.Logger),
		metrics:    newMetrics(options.Metrics),
		clients:    make(map[string]Client),
		sanitized:  make(map[string]string),
		configs:    make(map[string]ServerConfig),
		failures:   make(map[string]ConnectionError),
		connecting: make(map[string]struct{}),
		cache:      newCapabilityCache(options.Logger),
	}
}

// Events exposes the bus on which the registry publishes capability changes.
func (r *Registry) Events() *EventBus { return r.events }

// RegisterClient adds an already-connected client under name, subscribes to
// its notifications and populates the cache from it. Registering a name twice
// replaces the previous client, disconnects it and drops everything cached
// for it. The call
// fails when name sanitizes to the same token as a different server, since
// their qualified tool names would collide.
func (r *Registry) RegisterClient(ctx context.Context, name string, client Client) error {
	token := SanitizeServerName(name)
	if token == "" {
		return newError(CodeInvalidName, name, "server name %q has no usable characters", name)
	}
	r.mu.Lock()
	if owner, ok := r.sanitized[token]; ok && owner != name {
		r.mu.Unlock()
		return newError(CodeDuplicateName, name,
			"server name %q conflicts with %q (both sanitize to %q)", name, owner, token)
	}
	old, exists := r.clients[name]
	if exists {
		r.logger.Warn("replacing registered client", "server", name)
	}
	r.cache.removeServer(name)
	r.clients[name] = client
	r.sanitized[token] = name
	r.updateGaugesLocked()
	r.mu.Unlock()

	if exists && old != client {
		r.disconnectQuietly(ctx, name, old)
	}
	r.subscribe(name, client)
	if err := r.populate(ctx, name, client); err != nil {
		r.logger.Warn("server registered without cached capabilities", "server", name, "error", err)
	}
	return nil
}

// ConnectServer creates, connects and registers a client for name, keeping
// cfg for later restarts. It is a no-op when name is already registered or
// connecting. On failure the error is recorded for GetFailedConnections and
// the server is left absent from the registry.
func (r *Registry) ConnectServer(ctx context.Context, name string, cfg ServerConfig) error {
	if r.opts.NewClient == nil {
		return newError(CodeInvalidConfig, name, "registry has no client factory")
	}
	token := SanitizeServerName(name)
	if token == "" {
		return r.recordFailure(name, newError(CodeInvalidName, name, "server name %q has no usable characters", name))
	}
	r.mu.Lock()
	if _, ok := r.clients[name]; ok {
		r.mu.Unlock()
		r.logger.Warn("server already connected, skipping", "server", name)
		return nil
	}
	if _, ok := r.connecting[name]; ok {
		r.mu.Unlock()
		r.logger.Warn("server connection already in progress, skipping", "server", name)
		return nil
	}
	if owner, ok := r.sanitized[token]; ok && owner != name {
		r.mu.Unlock()
		return r.recordFailure(name, newError(CodeDuplicateName, name,
			"server name %q conflicts with %q (both sanitize to %q)", name, owner, token))
	}
	r.connecting[name] = struct{}{}
	r.mu.Unlock()
	defer r.doneConnecting(name)

	client := r.opts.NewClient(name, cfg)
	if err := r.connectWithRetry(ctx, client, cfg, name); err != nil {
		return r.recordFailure(name, connectionFailed(name, err))
	}
	if err := r.RegisterClient(ctx, name, client); err != nil {
		r.disconnectQuietly(ctx, name, client)
		return r.recordFailure(name, err)
	}

	r.mu.Lock()
	r.configs[name] = cfg
	delete(r.failures, name)
	r.mu.Unlock()

	r.logger.Info("server connected", "server", name, "mode", cfg.Mode())
	r.events.publish(Event{Type: EventServerConnected, Server: name})
	return nil
}

// InitializeFromConfig connects every enabled server concurrently and waits
// for all attempts to settle. It fails only when at least one strict server
// failed, naming each of them; lenient failures are recorded and logged.
// The registry imposes no deadline of its own, so callers that care should
// bound ctx.
func (r *Registry) InitializeFromConfig(ctx context.Context, servers map[string]ServerConfig) error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		g              errgroup.Group
		mu             sync.Mutex
		strictFailures = make(map[string]error)
	)
	if r.opts.MaxConcurrentConnects > 0 {
		g.SetLimit(r.opts.MaxConcurrentConnects)
	}
	for _, name := range names {
		cfg := servers[name]
		if !cfg.IsEnabled() {
			r.logger.Info("server disabled, skipping", "server", name)
			continue
		}
		mode := cfg.Mode()
		g.Go(func() error {
			err := r.ConnectServer(ctx, name, cfg)
			if err == nil {
				return nil
			}
			if mode == ConnectionModeStrict {
				mu.Lock()
				strictFailures[name] = err
				mu.Unlock()
				return nil
			}
			r.logger.Warn("lenient server failed to connect, continuing", "server", name, "error", err)
			return nil
		})
	}
	_ = g.Wait()

	if len(strictFailures) > 0 {
		return aggregateStrictFailure(strictFailures)
	}
	return nil
}

// RestartServer reconnects name using the configuration stored when it was
// first connected. Servers registered through RegisterClient have no stored
// configuration and cannot be restarted. On failure the configuration is kept
// so the restart can be retried, and EventServerFailed announces that the
// server's capabilities are gone.
func (r *Registry) RestartServer(ctx context.Context, name string) error {
	if r.opts.NewClient == nil {
		return newError(CodeInvalidConfig, name, "registry has no client factory")
	}
	r.mu.Lock()
	cfg, ok := r.configs[name]
	if !ok {
		r.mu.Unlock()
		return newError(CodeServerNotFound, name, "no stored configuration for server %q", name)
	}
	if _, busy := r.connecting[name]; busy {
		r.mu.Unlock()
		return newError(CodeConnectionFailed, name, "server %q is already connecting", name)
	}
	r.connecting[name] = struct{}{}
	old := r.clients[name]
	r.mu.Unlock()
	defer r.doneConnecting(name)

	r.logger.Info("restarting server", "server", name)
	if old != nil {
		r.disconnectQuietly(ctx, name, old)
	}
	r.mu.Lock()
	if r.clients[name] == old {
		r.dropServerLocked(name)
	}
	r.mu.Unlock()

	client := r.opts.NewClient(name, cfg)
	if err := r.connectWithRetry(ctx, client, cfg, name); err != nil {
		return r.restartFailed(name, connectionFailed(name, err))
	}
	if err := r.RegisterClient(ctx, name, client); err != nil {
		r.disconnectQuietly(ctx, name, client)
		return r.restartFailed(name, err)
	}

	r.mu.Lock()
	delete(r.failures, name)
	r.mu.Unlock()

	r.logger.Info("server restarted", "server", name)
	r.events.publish(Event{Type: EventServerRestarted, Server: name})
	return nil
}

// RemoveClient disconnects name and forgets everything about it: cached
// capabilities, stored configuration and any recorded connection error. A
// failing disconnect is logged and does not stop the removal.
func (r *Registry) RemoveClient(ctx context.Context, name string) {
	r.mu.Lock()
	client := r.clients[name]
	r.mu.Unlock()

	if client != nil {
		r.disconnectQuietly(ctx, name, client)
	}

	r.mu.Lock()
	r.dropServerLocked(name)
	delete(r.configs, name)
	delete(r.failures, name)
	r.mu.Unlock()

	if client != nil {
		r.logger.Info("server removed", "server", name)
		r.events.publish(Event{Type: EventServerRemoved, Server: name})
	}
}

// DisconnectAll disconnects every client concurrently, clears all registry
// state and publishes EventRegistryCleared. The registry is empty afterwards
// even when some disconnects fail; those failures are logged and returned
// joined.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[string]Client, len(r.clients))
	for name, c := range r.clients {
		snapshot[name] = c
	}
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for name, client := range snapshot {
		g.Go(func() error {
			if err := client.Disconnect(ctx); err != nil {
				r.logger.Error("failed to disconnect server", "server", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	clear(r.clients)
	clear(r.sanitized)
	clear(r.configs)
	clear(r.failures)
	r.cache.reset()
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.events.publish(Event{Type: EventRegistryCleared})
	return errors.Join(errs...)
}

// Refresh re-fetches the capabilities of every registered client
// concurrently and then publishes EventRefreshed. Servers whose tool list
// cannot be fetched end up with nothing cached; their errors are returned
// joined.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[string]Client, len(r.clients))
	for name, c := range r.clients {
		snapshot[name] = c
	}
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for name, client := range snapshot {
		g.Go(func() error {
			if err := r.populate(ctx, name, client); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.events.publish(Event{Type: EventRefreshed})
	return errors.Join(errs...)
}

// populate fetches name's capabilities and swaps them into the cache. A tool
// fetch failure leaves the server with nothing cached; prompt and resource
// failures only leave those kinds empty.
func (r *Registry) populate(ctx context.Context, name string, client Client) error {
	tools, err := client.GetTools(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch tools, caching nothing for server", "server", name, "error", err)
		r.mu.Lock()
		if r.clients[name] == client {
			r.cache.removeServer(name)
			r.updateGaugesLocked()
		}
		r.mu.Unlock()
		return fmt.Errorf("fetch tools from %s: %w", name, err)
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch prompts", "server", name, "error", err)
		prompts = nil
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch resources", "server", name, "error", err)
		resources = nil
	}

	toolEntries := r.buildToolEntries(name, client, tools)
	promptEntries := buildPromptEntries(name, client, prompts)
	resourceEntries := buildResourceEntries(name, client, resources)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[name] != client {
		r.logger.Debug("discarding capabilities from replaced client", "server", name)
		return nil
	}
	r.cache.replaceTools(name, toolEntries)
	r.cache.replacePrompts(name, promptEntries)
	r.cache.replaceResources(name, resourceEntries)
	r.updateGaugesLocked()
	r.logger.Debug("server capabilities cached", "server", name,
		"tools", len(toolEntries), "prompts", len(promptEntries), "resources", len(resourceEntries))
	return nil
}

func (r *Registry) buildToolEntries(server string, client Client, tools []*mcp.Tool) []*toolEntry {
	entries := make([]*toolEntry, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		if !validToolName(tool.Name) {
			r.logger.Warn("skipping tool with unusable name", "server", server, "tool", tool.Name,
				"delimiter", ToolNameDelimiter)
			continue
		}
		e := &toolEntry{server: server, client: client, tool: tool}
		if !r.opts.SkipArgumentValidation {
			schema, err := resolveInputSchema(tool)
			if err != nil {
				r.logger.Debug("tool input schema not usable for validation", "server", server,
					"tool", tool.Name, "error", err)
			}
			e.schema = schema
		}
		entries = append(entries, e)
	}
	return entries
}

func buildPromptEntries(server string, client Client, prompts []*mcp.Prompt) []*promptEntry {
	entries := make([]*promptEntry, 0, len(prompts))
	for _, p := range prompts {
		if p == nil || p.Name == "" {
			continue
		}
		entries = append(entries, &promptEntry{server: server, client: client, prompt: p})
	}
	return entries
}

func buildResourceEntries(server string, client Client, resources []*mcp.Resource) []*resourceEntry {
	entries := make([]*resourceEntry, 0, len(resources))
	for _, res := range resources {
		if res == nil || res.URI == "" {
			continue
		}
		entries = append(entries, &resourceEntry{server: server, client: client, resource: res})
	}
	return entries
}

func (r *Registry) connectWithRetry(ctx context.Context, client Client, cfg ServerConfig, name string) error {
	connect := func() error { return client.Connect(ctx, cfg, name) }
	if cfg.Retries <= 0 {
		return connect()
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.opts.RetryInitialInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.Retries)), ctx)
	return backoff.RetryNotify(connect, policy, func(err error, wait time.Duration) {
		r.logger.Warn("connect attempt failed, retrying", "server", name, "error", err, "wait", wait)
	})
}

// recordFailure stores err as name's latest connection error and returns it.
func (r *Registry) recordFailure(name string, err error) error {
	rec := ConnectionError{Message: err.Error(), Code: CodeConnectionFailed}
	var re *Error
	if errors.As(err, &re) {
		rec.Code = re.Code
		rec.Message = causeMessage(re)
	}
	r.mu.Lock()
	r.failures[name] = rec
	r.mu.Unlock()
	r.metrics.connectionFailures.WithLabelValues(name).Inc()
	r.logger.Warn("server connection failed", "server", name, "code", rec.Code, "error", rec.Message)
	return err
}

// restartFailed records err for name, whose old client has already been
// dropped, and announces the loss.
func (r *Registry) restartFailed(name string, err error) error {
	err = r.recordFailure(name, err)
	r.events.publish(Event{Type: EventServerFailed, Server: name})
	return err
}

func (r *Registry) disconnectQuietly(ctx context.Context, name string, client Client) {
	if err := client.Disconnect(ctx); err != nil {
		r.logger.Warn("failed to disconnect server", "server", name, "error", err)
	}
}

func (r *Registry) doneConnecting(name string) {
	r.mu.Lock()
	delete(r.connecting, name)
	r.mu.Unlock()
}

// dropServerLocked removes name's client, cache entries and sanitized token.
// The stored configuration and connection error are left alone.
func (r *Registry) dropServerLocked(name string) {
	r.cache.removeServer(name)
	delete(r.clients, name)
	if token := SanitizeServerName(name); r.sanitized[token] == name {
		delete(r.sanitized, token)
	}
	r.updateGaugesLocked()
}

func (r *Registry) updateGaugesLocked() {
	r.metrics.exposedTools.Set(float64(len(r.cache.tools)))
	r.metrics.conflictedTools.Set(float64(len(r.cache.conflicts)))
	r.metrics.connectedServers.Set(float64(len(r.clients)))
}
