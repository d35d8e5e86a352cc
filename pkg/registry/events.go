package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names an event published on the registry's bus.
type EventType string

const (
	EventServerConnected    EventType = "server-connected"
	EventServerRemoved      EventType = "server-removed"
	EventServerRestarted    EventType = "server-restarted"
	EventServerFailed       EventType = "server-failed"
	EventRegistryCleared    EventType = "registry-cleared"
	EventRefreshed          EventType = "refreshed"
	EventResourceUpdated    EventType = "resource-updated"
	EventPromptsListChanged EventType = "prompts-list-changed"
	EventToolsListChanged   EventType = "tools-list-changed"
)

// Event is published after the registry has applied the change it describes.
type Event struct {
	ID        string
	Type      EventType
	Server    string
	Timestamp time.Time

	// URI and ResourceKey are set for EventResourceUpdated.
	URI         string
	ResourceKey string
	// Prompts holds the new prompt names for EventPromptsListChanged.
	Prompts []string
	// Tools holds the server's tool names for EventToolsListChanged.
	Tools []string
}

// EventBus fans events out to subscribers. Delivery is synchronous on the
// publishing goroutine; a panicking subscriber is logged and skipped.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Event)
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{subs: make(map[uint64]func(Event)), logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *EventBus) publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					b.logger.Error("event subscriber panicked", "event", ev.Type, "server", ev.Server, "panic", rec)
				}
			}()
			fn(ev)
		}()
	}
}
