package registry

import (
	"context"
	"fmt"
	"sort"
)

// subscribe wires name's notifications into the registry. A client whose
// subscription machinery fails is still registered; it just never pushes
// updates.
func (r *Registry) subscribe(name string, client Client) {
	handlers := map[NotificationKind]NotificationHandler{
		NotificationResourceUpdated: func(ctx context.Context, n Notification) {
			r.handleResourceUpdated(ctx, name, client, n.URI)
		},
		NotificationPromptsListChanged: func(ctx context.Context, _ Notification) {
			r.handlePromptsListChanged(ctx, name, client)
		},
		NotificationToolsListChanged: func(ctx context.Context, _ Notification) {
			r.handleToolsListChanged(ctx, name, client)
		},
	}
	for kind, h := range handlers {
		if err := safeOn(client, kind, h); err != nil {
			r.logger.Warn("failed to subscribe to server notifications", "server", name, "kind", kind, "error", err)
		}
	}
}

func safeOn(client Client, kind NotificationKind, h NotificationHandler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscribe %s: panic: %v", kind, rec)
		}
	}()
	return client.On(kind, h)
}

func (r *Registry) isCurrent(name string, client Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[name] == client
}

func (r *Registry) handleResourceUpdated(ctx context.Context, name string, client Client, uri string) {
	r.metrics.notifications.WithLabelValues(string(NotificationResourceUpdated)).Inc()
	if !r.isCurrent(name, client) {
		r.logger.Debug("ignoring notification from replaced client", "server", name, "kind", NotificationResourceUpdated)
		return
	}
	key := ResourceKey(name, uri)
	resources, err := client.ListResources(ctx)
	if err != nil {
		r.logger.Warn("failed to refresh updated resource", "server", name, "uri", uri, "error", err)
	} else {
		for _, res := range resources {
			if res == nil || res.URI != uri {
				continue
			}
			r.mu.Lock()
			if r.clients[name] == client {
				r.cache.resources[key] = &resourceEntry{server: name, client: client, resource: res}
			}
			r.mu.Unlock()
			break
		}
	}
	r.events.publish(Event{Type: EventResourceUpdated, Server: name, URI: uri, ResourceKey: key})
}

func (r *Registry) handlePromptsListChanged(ctx context.Context, name string, client Client) {
	r.metrics.notifications.WithLabelValues(string(NotificationPromptsListChanged)).Inc()
	r.mu.Lock()
	if r.clients[name] != client {
		r.mu.Unlock()
		r.logger.Debug("ignoring notification from replaced client", "server", name, "kind", NotificationPromptsListChanged)
		return
	}
	r.cache.removePromptsOwnedBy(name)
	r.mu.Unlock()

	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		r.logger.Warn("failed to refresh prompts, leaving none cached", "server", name, "error", err)
		prompts = nil
	}
	entries := buildPromptEntries(name, client, prompts)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.prompt.Name)
	}
	sort.Strings(names)

	r.mu.Lock()
	if r.clients[name] != client {
		r.mu.Unlock()
		return
	}
	r.cache.replacePrompts(name, entries)
	r.mu.Unlock()
	r.events.publish(Event{Type: EventPromptsListChanged, Server: name, Prompts: names})
}

// handleToolsListChanged re-fetches name's tools and reconciles the tool
// cache. A failed fetch keeps the previously cached tools.
func (r *Registry) handleToolsListChanged(ctx context.Context, name string, client Client) {
	r.metrics.notifications.WithLabelValues(string(NotificationToolsListChanged)).Inc()
	if !r.isCurrent(name, client) {
		r.logger.Debug("ignoring notification from replaced client", "server", name, "kind", NotificationToolsListChanged)
		return
	}
	tools, err := client.GetTools(ctx)
	if err != nil {
		r.logger.Warn("failed to refresh tools after list change", "server", name, "error", err)
		return
	}
	entries := r.buildToolEntries(name, client, tools)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.tool.Name)
	}
	sort.Strings(names)

	r.mu.Lock()
	if r.clients[name] != client {
		r.mu.Unlock()
		return
	}
	r.cache.replaceTools(name, entries)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Info("server tools changed", "server", name, "tools", len(names))
	r.events.publish(Event{Type: EventToolsListChanged, Server: name, Tools: names})
}
