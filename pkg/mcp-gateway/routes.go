package mcpgateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

const protectedResourcePath = "/.well-known/oauth-protected-resource"

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimSuffix(path, "/")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	protect := func(h http.Handler) http.Handler { return h }
	if g.opts.TokenVerifier != nil {
		protect = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)
	}

	r.Get("/healthz", g.handleHealth)
	if g.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if g.opts.AuthorizationServer != "" {
		r.Get(protectedResourcePath, g.handleProtectedResource)
	}

	mcpHandler := protect(g.streamHandler)
	if path == "" {
		r.Handle("/", mcpHandler)
	} else {
		r.Handle(path, mcpHandler)
	}
	r.Handle(path+"/*", mcpHandler)

	if !g.opts.DisableAdmin {
		r.Group(func(r chi.Router) {
			r.Use(protect)
			r.Get("/servers", g.handleListServers)
			r.Get("/tools", g.handleListTools)
			r.Post("/servers/{name}/restart", g.handleRestartServer)
			r.Delete("/servers/{name}", g.handleRemoveServer)
			r.Post("/refresh", g.handleRefresh)
		})
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		g.mux.ServeHTTP(w, req)
	})

	corsOpts := defaultCORSOptions()
	if g.opts.CORS != nil {
		corsOpts = *g.opts.CORS
	}
	return cors.New(corsOpts).Handler(r)
}

type serverStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Transport string `json:"transport,omitempty"`
	Tools     int    `json:"tools"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

type toolView struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	RemoteName  string `json:"remoteName"`
	Qualified   bool   `json:"qualified"`
	Description string `json:"description,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := g.registry.GetClients()
	failed := g.registry.GetFailedConnections()
	status := "ok"
	if len(failed) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"servers": len(clients),
		"failed":  len(failed),
		"tools":   len(g.registry.GetAllTools()),
	})
}

func (g *Gateway) handleListServers(w http.ResponseWriter, _ *http.Request) {
	clients := g.registry.GetClients()
	configs := g.registry.ServerConfigs()
	failed := g.registry.GetFailedConnections()
	toolCounts := make(map[string]int)
	for _, info := range g.registry.GetAllToolsWithServerInfo() {
		toolCounts[info.Server]++
	}

	names := make(map[string]struct{})
	for name := range clients {
		names[name] = struct{}{}
	}
	for name := range configs {
		names[name] = struct{}{}
	}
	for name := range failed {
		names[name] = struct{}{}
	}

	out := make([]serverStatus, 0, len(names))
	for name := range names {
		st := serverStatus{Name: name, Tools: toolCounts[name]}
		_, st.Connected = clients[name]
		if cfg, ok := configs[name]; ok {
			st.Transport = string(cfg.Type)
		}
		if fail, ok := failed[name]; ok {
			st.Error = fail.Message
			st.Code = string(fail.Code)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := g.registry.GetAllToolsWithServerInfo()
	out := make([]toolView, 0, len(tools))
	for _, info := range tools {
		out = append(out, toolView{
			Name:        info.Name,
			Server:      info.Server,
			RemoteName:  info.RemoteName,
			Qualified:   info.Qualified,
			Description: info.Tool.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleRestartServer(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	if err := g.registry.RestartServer(req.Context(), name); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "server": name})
}

func (g *Gateway) handleRemoveServer(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	_, connected := g.registry.GetClients()[name]
	_, configured := g.registry.ServerConfigs()[name]
	_, failed := g.registry.GetFailedConnections()[name]
	if !connected && !configured && !failed {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown server " + name, Code: string(registry.CodeServerNotFound)})
		return
	}
	g.registry.RemoveClient(req.Context(), name)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if err := g.registry.Refresh(req.Context()); err != nil {
		g.logError("refresh", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "tools": len(g.registry.GetAllTools())})
}

type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

func (g *Gateway) handleProtectedResource(w http.ResponseWriter, req *http.Request) {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	meta := protectedResourceMetadata{
		Resource:               scheme + "://" + req.Host + g.opts.Path,
		AuthorizationServers:   []string{g.opts.AuthorizationServer},
		BearerMethodsSupported: []string{"header"},
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	writeJSON(w, http.StatusOK, meta)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrServerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConnectionFailed):
		status = http.StatusBadGateway
	case errors.Is(err, registry.ErrInvalidConfig):
		status = http.StatusConflict
	}
	body := errorBody{Error: err.Error()}
	var regErr *registry.Error
	if errors.As(err, &regErr) {
		body.Code = string(regErr.Code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
