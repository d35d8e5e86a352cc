package registry

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Reconcile brings the registry in line with cfg. Servers missing from cfg
// or disabled in it are removed, new servers and servers whose last attempt
// failed are connected, and servers whose configuration changed or whose
// restart failed are restarted. Every server is treated as lenient; the
// returned error joins all failures.
func (r *Registry) Reconcile(ctx context.Context, cfg *Config) error {
	desired := make(map[string]ServerConfig)
	if cfg != nil {
		for name, sc := range cfg.Servers {
			if sc.IsEnabled() {
				desired[name] = sc
			}
		}
	}

	r.mu.Lock()
	stored := make(map[string]ServerConfig, len(r.configs))
	for name, sc := range r.configs {
		stored[name] = sc
	}
	known := make(map[string]struct{}, len(r.clients)+len(r.configs))
	connected := make(map[string]bool, len(r.clients)+len(r.connecting))
	for name := range r.clients {
		known[name] = struct{}{}
		connected[name] = true
	}
	// a connect in flight counts as connected
	for name := range r.connecting {
		connected[name] = true
	}
	for name := range r.configs {
		known[name] = struct{}{}
	}
	r.mu.Unlock()

	for _, name := range sortedKeys(known) {
		if _, keep := desired[name]; !keep {
			r.logger.Info("server no longer configured, removing", "server", name)
			r.RemoveClient(ctx, name)
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if r.opts.MaxConcurrentConnects > 0 {
		g.SetLimit(r.opts.MaxConcurrentConnects)
	}
	for _, name := range sortedKeys(desired) {
		want := desired[name]
		have, hadConfig := stored[name]
		g.Go(func() error {
			var err error
			switch {
			case !hadConfig:
				err = r.ConnectServer(ctx, name, want)
			case !reflect.DeepEqual(have, want):
				r.logger.Info("server configuration changed, restarting", "server", name)
				r.mu.Lock()
				r.configs[name] = want
				r.mu.Unlock()
				err = r.RestartServer(ctx, name)
			case !connected[name]:
				r.logger.Info("configured server is down, restarting", "server", name)
				err = r.RestartServer(ctx, name)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
