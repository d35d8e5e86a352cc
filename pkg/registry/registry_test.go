package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, factory *fakeFactory) *Registry {
	t.Helper()
	opts := &Options{Logger: quietLogger(), RetryInitialInterval: time.Millisecond}
	if factory != nil {
		opts.NewClient = factory.New
	}
	return New(opts)
}

func toolKeys(r *Registry) []string {
	tools := r.GetAllTools()
	keys := make([]string, 0, len(tools))
	for k := range tools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// recordEvents collects published events until the test ends.
func recordEvents(t *testing.T, r *Registry) func() []Event {
	t.Helper()
	var (
		mu     sync.Mutex
		events []Event
	)
	unsubscribe := r.Events().Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
}

func TestConflictQualifiesAndResolvesOnRemoval(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	a := newFakeClient("x")
	b := newFakeClient("x")

	require.NoError(t, r.RegisterClient(ctx, "a", a))
	assert.Equal(t, []string{"x"}, toolKeys(r))

	require.NoError(t, r.RegisterClient(ctx, "b", b))
	assert.Equal(t, []string{"a--x", "b--x"}, toolKeys(r))

	tools := r.GetAllTools()
	assert.Equal(t, "x tool (via a)", tools["a--x"].Description)
	assert.Equal(t, "a--x", tools["a--x"].Name)
	assert.Equal(t, "a", tools["a--x"].Meta[MetaServerKey])
	assert.Equal(t, "x", tools["a--x"].Meta[MetaToolKey])

	r.RemoveClient(ctx, "b")
	assert.Equal(t, []string{"x"}, toolKeys(r))
	owner, err := r.GetToolClient("x")
	require.NoError(t, err)
	assert.Same(t, a, owner)
	assert.Equal(t, "x tool", r.GetAllTools()["x"].Description)
	assert.Equal(t, 1, b.disconnectCount())
}

func TestDistinctToolsStaySimple(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterClient(ctx, "a", newFakeClient("x")))
	require.NoError(t, r.RegisterClient(ctx, "b", newFakeClient("y")))

	assert.Equal(t, []string{"x", "y"}, toolKeys(r))
	for name, info := range r.GetAllToolsWithServerInfo() {
		assert.False(t, info.Qualified, name)
	}
}

func TestThreeWayConflictKeepsOthersQualified(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterClient(ctx, "a", newFakeClient("x")))
	require.NoError(t, r.RegisterClient(ctx, "b", newFakeClient("x")))
	require.NoError(t, r.RegisterClient(ctx, "c", newFakeClient("x")))
	assert.Equal(t, []string{"a--x", "b--x", "c--x"}, toolKeys(r))

	r.RemoveClient(ctx, "a")
	assert.Equal(t, []string{"b--x", "c--x"}, toolKeys(r))

	r.RemoveClient(ctx, "c")
	assert.Equal(t, []string{"x"}, toolKeys(r))
}

func TestRegisterClientReplacesPreviousClient(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	first := newFakeClient("x")
	second := newFakeClient("y")

	require.NoError(t, r.RegisterClient(ctx, "a", first))
	require.NoError(t, r.RegisterClient(ctx, "a", second))

	assert.Equal(t, []string{"y"}, toolKeys(r))
	assert.Same(t, second, r.GetClients()["a"])
	assert.Equal(t, 1, first.disconnectCount())
	assert.Zero(t, second.disconnectCount())

	// notifications from the replaced client must not touch the cache
	first.setTools("stale")
	first.fire(ctx, NotificationToolsListChanged, "")
	assert.Equal(t, []string{"y"}, toolKeys(r))
}

func TestRegisterClientRejectsSanitizedCollision(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterClient(ctx, "my server", newFakeClient("x")))

	err := r.RegisterClient(ctx, "my_server", newFakeClient("y"))
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, []string{"x"}, toolKeys(r))

	err = r.RegisterClient(ctx, "***", newFakeClient("z"))
	assert.NoError(t, err, "*** sanitizes to ___ which is usable")
	err = r.RegisterClient(ctx, "--", newFakeClient("z"))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRegisterClientSurvivesSubscriptionFailure(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	c := newFakeClient("x")
	c.onErr = errors.New("no notifications")

	require.NoError(t, r.RegisterClient(ctx, "a", c))
	assert.Equal(t, []string{"x"}, toolKeys(r))
}

func TestToolFetchFailureCachesNothing(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	c := newFakeClient("x")
	c.setPrompts("p")
	c.setResources(&mcp.Resource{URI: "file:///a", Name: "a"})
	c.toolsErr = errors.New("boom")

	require.NoError(t, r.RegisterClient(ctx, "a", c))
	assert.Contains(t, r.GetClients(), "a")
	assert.Empty(t, r.GetAllTools())
	assert.Empty(t, r.ListAllPrompts())
	assert.Empty(t, r.ListAllResources())
}

func TestPromptAndResourceFetchFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	c := newFakeClient("x")
	c.promptsErr = errors.New("prompts unavailable")
	c.setResources(&mcp.Resource{URI: "file:///a", Name: "a"})

	require.NoError(t, r.RegisterClient(ctx, "a", c))
	assert.Equal(t, []string{"x"}, toolKeys(r))
	assert.Empty(t, r.ListAllPrompts())
	assert.True(t, r.HasResource(ResourceKey("a", "file:///a")))
}

func TestToolNamesWithDelimiterAreSkipped(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterClient(ctx, "a", newFakeClient("ok", "bad--name")))
	assert.Equal(t, []string{"ok"}, toolKeys(r))
}

func TestExecuteToolTranslatesQualifiedName(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	mine := newFakeClient("x")
	other := newFakeClient("x")
	require.NoError(t, r.RegisterClient(ctx, "My Server", mine))
	require.NoError(t, r.RegisterClient(ctx, "other", other))

	server, tool, ok := r.ParseQualifiedToolName("My_Server--x")
	require.True(t, ok)
	assert.Equal(t, "My Server", server)
	assert.Equal(t, "x", tool)

	res, err := r.ExecuteTool(ctx, "My_Server--x", map[string]any{"k": "v"}, "session-1")
	require.NoError(t, err)
	require.Len(t, res.Content, 1)

	calls := mine.callLog()
	require.Len(t, calls, 1)
	assert.Equal(t, "x", calls[0].name)
	assert.Equal(t, "v", calls[0].args["k"])
	assert.Equal(t, "session-1", calls[0].sessionID)
	assert.Empty(t, other.callLog())
}

func TestParseQualifiedToolNameRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterClient(ctx, "a", newFakeClient("x")))

	for _, name := range []string{"x", "a--x", "nobody--x", "--x", "a--"} {
		_, _, ok := r.ParseQualifiedToolName(name)
		assert.False(t, ok, name)
	}
}

func TestExecuteToolUnknownName(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.ExecuteTool(context.Background(), "missing", nil, "")
	require.ErrorIs(t, err, ErrToolNotFound)

	_, err = r.GetToolClient("missing")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecuteToolValidatesArguments(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	c := newFakeClient()
	c.tools = []*mcp.Tool{{
		Name: "search",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []any{"q"},
		},
	}}
	require.NoError(t, r.RegisterClient(ctx, "a", c))

	_, err := r.ExecuteTool(ctx, "search", map[string]any{}, "")
	require.ErrorIs(t, err, ErrInvalidArguments)
	_, err = r.ExecuteTool(ctx, "search", map[string]any{"q": 5}, "")
	require.ErrorIs(t, err, ErrInvalidArguments)
	assert.Empty(t, c.callLog())

	_, err = r.ExecuteTool(ctx, "search", map[string]any{"q": "go"}, "")
	require.NoError(t, err)
	assert.Len(t, c.callLog(), 1)
}

func TestExecuteToolSkipsValidationWhenDisabled(t *testing.T) {
	ctx := context.Background()
	r := New(&Options{Logger: quietLogger(), SkipArgumentValidation: true})
	c := newFakeClient()
	c.tools = []*mcp.Tool{{
		Name:        "search",
		InputSchema: map[string]any{"type": "object", "required": []any{"q"}},
	}}
	require.NoError(t, r.RegisterClient(ctx, "a", c))

	_, err := r.ExecuteTool(ctx, "search", nil, "")
	require.NoError(t, err)
}

func TestToolsListChangedReconcilesConflicts(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	events := recordEvents(t, r)
	a := newFakeClient("x", "y")
	b := newFakeClient("x")
	require.NoError(t, r.RegisterClient(ctx, "a", a))
	require.NoError(t, r.RegisterClient(ctx, "b", b))
	assert.Equal(t, []string{"a--x", "b--x", "y"}, toolKeys(r))

	a.setTools("y", "z")
	a.fire(ctx, NotificationToolsListChanged, "")

	assert.Equal(t, []string{"x", "y", "z"}, toolKeys(r))
	owner, err := r.GetToolClient("x")
	require.NoError(t, err)
	assert.Same(t, b, owner)

	var changed []Event
	for _, ev := range events() {
		if ev.Type == EventToolsListChanged {
			changed = append(changed, ev)
		}
	}
	require.Len(t, changed, 1)
	assert.Equal(t, "a", changed[0].Server)
	assert.Equal(t, []string{"y", "z"}, changed[0].Tools)
	assert.NotEmpty(t, changed[0].ID)
}

func TestToolsListChangedFetchFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	a := newFakeClient("x")
	require.NoError(t, r.RegisterClient(ctx, "a", a))

	a.mu.Lock()
	a.toolsErr = errors.New("gone")
	a.mu.Unlock()
	a.fire(ctx, NotificationToolsListChanged, "")
	assert.Equal(t, []string{"x"}, toolKeys(r))
}

func TestPromptsAndResources(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	c := newFakeClient()
	c.setPrompts("summarize", "translate")
	c.setResources(&mcp.Resource{URI: "file:///notes.txt", Name: "notes"})
	require.NoError(t, r.RegisterClient(ctx, "docs", c))

	assert.Equal(t, []string{"summarize", "translate"}, r.ListAllPrompts())
	meta, err := r.GetPromptMetadata("summarize")
	require.NoError(t, err)
	assert.Equal(t, "summarize", meta.Name)
	infos := r.GetAllPromptMetadata()
	require.Len(t, infos, 2)
	assert.Equal(t, "docs", infos[0].Server)

	res, err := r.GetPrompt(ctx, "translate", map[string]string{"lang": "fr"})
	require.NoError(t, err)
	assert.Equal(t, "translate", res.Description)
	_, err = r.GetPrompt(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrPromptNotFound)
	_, err = r.GetPromptMetadata("missing")
	assert.ErrorIs(t, err, ErrPromptNotFound)

	key := ResourceKey("docs", "file:///notes.txt")
	assert.Equal(t, "mcp:docs:file:///notes.txt", key)
	assert.True(t, r.HasResource(key))
	info, err := r.GetResource(key)
	require.NoError(t, err)
	assert.Equal(t, "docs", info.Server)
	assert.Equal(t, "notes", info.Resource.Name)

	read, err := r.ReadResource(ctx, key)
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, []string{"file:///notes.txt"}, c.reads)

	_, err = r.ReadResource(ctx, "mcp:docs:file:///missing")
	assert.ErrorIs(t, err, ErrResourceNotFound)
	_, err = r.GetResource("not-a-key")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestPromptOwnershipIsLastWriterWins(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	a := newFakeClient()
	a.setPrompts("p")
	b := newFakeClient()
	b.setPrompts("p")
	require.NoError(t, r.RegisterClient(ctx, "a", a))
	require.NoError(t, r.RegisterClient(ctx, "b", b))

	infos := r.GetAllPromptMetadata()
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].Server)

	// the shadowed owner gets the name back once the last writer leaves
	r.RemoveClient(ctx, "b")
	infos = r.GetAllPromptMetadata()
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].Server)

	r.RemoveClient(ctx, "a")
	assert.Empty(t, r.ListAllPrompts())
}

func TestPromptsListChangedHandsSharedNameBack(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	a := newFakeClient()
	a.setPrompts("p")
	b := newFakeClient()
	b.setPrompts("p", "q")
	require.NoError(t, r.RegisterClient(ctx, "a", a))
	require.NoError(t, r.RegisterClient(ctx, "b", b))

	b.setPrompts("q")
	b.fire(ctx, NotificationPromptsListChanged, "")

	assert.Equal(t, []string{"p", "q"}, r.ListAllPrompts())
	meta := r.GetAllPromptMetadata()
	assert.Equal(t, "a", meta[0].Server)
	assert.Equal(t, "b", meta[1].Server)
}

func TestResourceUpdatedRefreshesMetadataAndEmits(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	events := recordEvents(t, r)
	c := newFakeClient()
	c.setResources(&mcp.Resource{URI: "file:///a", Name: "old"})
	require.NoError(t, r.RegisterClient(ctx, "s", c))

	c.setResources(&mcp.Resource{URI: "file:///a", Name: "new"})
	c.fire(ctx, NotificationResourceUpdated, "file:///a")

	info, err := r.GetResource(ResourceKey("s", "file:///a"))
	require.NoError(t, err)
	assert.Equal(t, "new", info.Resource.Name)

	got := events()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, EventResourceUpdated, last.Type)
	assert.Equal(t, "file:///a", last.URI)
	assert.Equal(t, "mcp:s:file:///a", last.ResourceKey)

	// the event still fires when the refetch fails
	c.mu.Lock()
	c.resourcesErr = errors.New("down")
	c.mu.Unlock()
	c.fire(ctx, NotificationResourceUpdated, "file:///a")
	assert.Len(t, events(), len(got)+1)
}

func TestPromptsListChangedReplacesPrompts(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	events := recordEvents(t, r)
	c := newFakeClient()
	c.setPrompts("old")
	require.NoError(t, r.RegisterClient(ctx, "s", c))

	c.setPrompts("b", "a")
	c.fire(ctx, NotificationPromptsListChanged, "")
	assert.Equal(t, []string{"a", "b"}, r.ListAllPrompts())

	got := events()
	require.NotEmpty(t, got)
	assert.Equal(t, EventPromptsListChanged, got[len(got)-1].Type)
	assert.Equal(t, []string{"a", "b"}, got[len(got)-1].Prompts)

	c.mu.Lock()
	c.promptsErr = errors.New("down")
	c.mu.Unlock()
	c.fire(ctx, NotificationPromptsListChanged, "")
	assert.Empty(t, r.ListAllPrompts())
}

func TestPromptsListChangedFromReplacedClientIsDropped(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	first := newFakeClient()
	first.setPrompts("old")
	require.NoError(t, r.RegisterClient(ctx, "s", first))

	second := newFakeClient()
	second.setPrompts("fresh")
	first.setPrompts("stale")
	first.mu.Lock()
	first.beforeListPrompts = func() {
		require.NoError(t, r.RegisterClient(ctx, "s", second))
	}
	first.mu.Unlock()
	events := recordEvents(t, r)

	first.fire(ctx, NotificationPromptsListChanged, "")

	assert.Equal(t, []string{"fresh"}, r.ListAllPrompts())
	for _, ev := range events() {
		assert.NotEqual(t, EventPromptsListChanged, ev.Type)
	}
}

func TestInitializeFromConfigLenientFailuresAreRecorded(t *testing.T) {
	factory := newFakeFactory(func(name string) *fakeClient {
		c := newFakeClient(name + "-tool")
		if name == "broken" {
			c.connectErr = errors.New("dial tcp: refused")
		}
		return c
	})
	r := newTestRegistry(t, factory)

	err := r.InitializeFromConfig(context.Background(), map[string]ServerConfig{
		"good":   {Type: TransportStdio, Command: "good"},
		"broken": {Type: TransportStdio, Command: "broken"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"good-tool"}, toolKeys(r))
	failed := r.GetFailedConnections()
	require.Contains(t, failed, "broken")
	assert.Equal(t, CodeConnectionFailed, failed["broken"].Code)
	assert.Equal(t, "dial tcp: refused", failed["broken"].Message)
	assert.NotContains(t, r.GetClients(), "broken")

	err = r.RestartServer(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestInitializeFromConfigStrictFailuresAggregate(t *testing.T) {
	factory := newFakeFactory(func(name string) *fakeClient {
		c := newFakeClient(name + "-tool")
		if strings.HasPrefix(name, "required") {
			c.connectErr = errors.New(name + " unreachable")
		}
		return c
	})
	r := newTestRegistry(t, factory)

	err := r.InitializeFromConfig(context.Background(), map[string]ServerConfig{
		"required-a": {ConnectionMode: ConnectionModeStrict},
		"required-b": {ConnectionMode: ConnectionModeStrict},
		"optional":   {},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t,
		"registry: failed to connect to required servers: required-a: required-a unreachable; required-b: required-b unreachable",
		err.Error())
	assert.Equal(t, []string{"optional-tool"}, toolKeys(r))
}

func TestInitializeFromConfigSkipsDisabledServers(t *testing.T) {
	disabled := false
	factory := newFakeFactory(func(name string) *fakeClient { return newFakeClient(name + "-tool") })
	r := newTestRegistry(t, factory)

	require.NoError(t, r.InitializeFromConfig(context.Background(), map[string]ServerConfig{
		"on":  {},
		"off": {Enabled: &disabled, ConnectionMode: ConnectionModeStrict},
	}))
	assert.Equal(t, []string{"on-tool"}, toolKeys(r))
	assert.Empty(t, factory.clients("off"))
}

func TestConnectServerIsIdempotent(t *testing.T) {
	factory := newFakeFactory(func(string) *fakeClient { return newFakeClient("x") })
	r := newTestRegistry(t, factory)
	events := recordEvents(t, r)
	ctx := context.Background()

	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	assert.Len(t, factory.clients("a"), 1)

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventServerConnected, got[0].Type)
	assert.Equal(t, "a", got[0].Server)
}

func TestConnectServerRetriesWithBackoff(t *testing.T) {
	factory := newFakeFactory(func(string) *fakeClient {
		c := newFakeClient("x")
		c.failConnects = 2
		return c
	})
	r := newTestRegistry(t, factory)

	require.NoError(t, r.ConnectServer(context.Background(), "flaky", ServerConfig{Retries: 2}))
	assert.Equal(t, 3, factory.last("flaky").connects)
	assert.Empty(t, r.GetFailedConnections())

	err := r.ConnectServer(context.Background(), "flakier", ServerConfig{Retries: 1})
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, r.GetFailedConnections(), "flakier")
}

func TestConnectServerWithoutFactory(t *testing.T) {
	r := newTestRegistry(t, nil)
	err := r.ConnectServer(context.Background(), "a", ServerConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRestartServerSwapsClient(t *testing.T) {
	factory := newFakeFactory(func(string) *fakeClient { return newFakeClient("x") })
	r := newTestRegistry(t, factory)
	events := recordEvents(t, r)
	ctx := context.Background()

	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{Command: "srv"}))
	first := factory.last("a")

	require.NoError(t, r.RestartServer(ctx, "a"))
	second := factory.last("a")
	require.NotSame(t, first, second)
	assert.Equal(t, 1, first.disconnectCount())
	assert.Same(t, second, r.GetClients()["a"])
	assert.Equal(t, []string{"x"}, toolKeys(r))

	got := events()
	assert.Equal(t, EventServerRestarted, got[len(got)-1].Type)

	err := r.RestartServer(ctx, "unknown")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestRestartServerFailureKeepsConfig(t *testing.T) {
	attempts := 0
	factory := newFakeFactory(func(string) *fakeClient {
		attempts++
		c := newFakeClient("x")
		if attempts == 2 {
			c.connectErr = errors.New("crashed")
		}
		return c
	})
	r := newTestRegistry(t, factory)
	ctx := context.Background()

	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	require.ErrorIs(t, r.RestartServer(ctx, "a"), ErrConnectionFailed)
	assert.Empty(t, r.GetClients())
	assert.Contains(t, r.GetFailedConnections(), "a")

	require.NoError(t, r.RestartServer(ctx, "a"))
	assert.Contains(t, r.GetClients(), "a")
	assert.Empty(t, r.GetFailedConnections())
}

func TestRestartServerFailureEmitsServerFailed(t *testing.T) {
	attempts := 0
	factory := newFakeFactory(func(string) *fakeClient {
		attempts++
		c := newFakeClient("x")
		if attempts > 1 {
			c.connectErr = errors.New("crashed")
		}
		return c
	})
	r := newTestRegistry(t, factory)
	ctx := context.Background()
	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	events := recordEvents(t, r)

	require.Error(t, r.RestartServer(ctx, "a"))

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventServerFailed, got[0].Type)
	assert.Equal(t, "a", got[0].Server)
	assert.Empty(t, r.GetAllTools())
}

func TestRemoveClientEmitsAndForgets(t *testing.T) {
	factory := newFakeFactory(func(string) *fakeClient {
		c := newFakeClient("x")
		c.disconnectErr = errors.New("already gone")
		return c
	})
	r := newTestRegistry(t, factory)
	events := recordEvents(t, r)
	ctx := context.Background()

	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	r.RemoveClient(ctx, "a")

	assert.Empty(t, r.GetClients())
	assert.Empty(t, r.GetAllTools())
	assert.Empty(t, r.ServerConfigs())
	got := events()
	assert.Equal(t, EventServerRemoved, got[len(got)-1].Type)
	assert.ErrorIs(t, r.RestartServer(ctx, "a"), ErrServerNotFound)

	// the sanitized token is released with the server
	require.NoError(t, r.RegisterClient(ctx, "a", newFakeClient("y")))
}

func TestDisconnectAllClearsEverything(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	a := newFakeClient("x")
	a.setPrompts("p")
	a.setResources(&mcp.Resource{URI: "file:///a"})
	b := newFakeClient("x")
	b.disconnectErr = errors.New("pipe closed")
	require.NoError(t, r.RegisterClient(ctx, "a", a))
	require.NoError(t, r.RegisterClient(ctx, "b", b))
	events := recordEvents(t, r)

	err := r.DisconnectAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")

	assert.Equal(t, 1, a.disconnectCount())
	assert.Equal(t, 1, b.disconnectCount())
	assert.Empty(t, r.GetClients())
	assert.Empty(t, r.GetAllTools())
	assert.Empty(t, r.ListAllPrompts())
	assert.Empty(t, r.ListAllResources())
	assert.Empty(t, r.GetFailedConnections())
	got := events()
	require.NotEmpty(t, got)
	assert.Equal(t, EventRegistryCleared, got[len(got)-1].Type)

	// a fresh server named like an old one no longer conflicts
	require.NoError(t, r.RegisterClient(ctx, "b", newFakeClient("x")))
	assert.Equal(t, []string{"x"}, toolKeys(r))
}

func TestRefreshRepopulates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	a := newFakeClient("x")
	require.NoError(t, r.RegisterClient(ctx, "a", a))

	events := recordEvents(t, r)

	a.setTools("x", "y")
	require.NoError(t, r.Refresh(ctx))
	assert.Equal(t, []string{"x", "y"}, toolKeys(r))
	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventRefreshed, got[0].Type)

	a.mu.Lock()
	a.toolsErr = errors.New("gone")
	a.mu.Unlock()
	require.Error(t, r.Refresh(ctx))
	assert.Empty(t, r.GetAllTools())
}

func TestMetricsTrackRegistryState(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	r := New(&Options{Logger: quietLogger(), Metrics: reg})

	a := newFakeClient("x", "y")
	require.NoError(t, r.RegisterClient(ctx, "a", a))
	require.NoError(t, r.RegisterClient(ctx, "b", newFakeClient("x")))

	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.exposedTools))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.conflictedTools))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.connectedServers))

	_, err := r.ExecuteTool(ctx, "y", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.toolCalls.WithLabelValues("a", "ok")))

	a.fire(ctx, NotificationToolsListChanged, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.notifications.WithLabelValues("toolsListChanged")))

	count, err := testutil.GatherAndCount(reg, "mcp_registry_exposed_tools")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEventSubscriberPanicIsContained(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, factoryFor("x"))
	r.Events().Subscribe(func(Event) { panic("subscriber bug") })
	events := recordEvents(t, r)

	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	assert.Len(t, events(), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, factoryFor("x"))
	calls := 0
	unsubscribe := r.Events().Subscribe(func(Event) { calls++ })

	require.NoError(t, r.ConnectServer(ctx, "a", ServerConfig{}))
	unsubscribe()
	require.NoError(t, r.ConnectServer(ctx, "b", ServerConfig{}))
	assert.Equal(t, 1, calls)
}

func factoryFor(tools ...string) *fakeFactory {
	return newFakeFactory(func(string) *fakeClient { return newFakeClient(tools...) })
}
