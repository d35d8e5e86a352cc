package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures a ConfigWatcher.
type WatcherConfig struct {
	// Registry receives the reloaded configuration.
	Registry *Registry
	// Path is the configuration file to watch.
	Path string
	// Logger is used for structured logging (optional).
	Logger *slog.Logger
	// DebounceDelay collapses bursts of writes into one reload (defaults to 200ms).
	DebounceDelay time.Duration
	// OnReload is called after every reload attempt with its result (optional).
	OnReload func(error)
}

// ConfigWatcher reloads a configuration file when it changes and reconciles
// the registry against it.
type ConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
	logger    *slog.Logger
	path      string
	debounce  time.Duration
	onReload  func(error)

	mu      sync.Mutex
	pending *time.Timer
	// reloads tracks running reloads; Add happens under mu after checking ctx.
	reloads sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConfigWatcher starts watching cfg.Path. The parent directory is watched
// rather than the file so that editors replacing the file atomically are
// still noticed.
func NewConfigWatcher(cfg WatcherConfig) (*ConfigWatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &ConfigWatcher{
		fsWatcher: fsWatcher,
		registry:  cfg.Registry,
		logger:    logger,
		path:      absPath,
		debounce:  debounce,
		onReload:  cfg.OnReload,
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	logger.Debug("watching registry configuration", "path", absPath)
	return w, nil
}

func (w *ConfigWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *ConfigWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *ConfigWatcher) reload() {
	w.mu.Lock()
	w.pending = nil
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.reloads.Add(1)
	w.mu.Unlock()
	defer w.reloads.Done()

	cfg, err := LoadConfigFile(w.path)
	if err != nil {
		w.logger.Error("failed to reload registry configuration, keeping current servers",
			"path", w.path, "error", err)
		w.notify(err)
		return
	}

	w.logger.Info("registry configuration changed, reconciling", "path", w.path, "servers", len(cfg.Servers))
	err = w.registry.Reconcile(w.ctx, cfg)
	if err != nil {
		w.logger.Warn("reconcile finished with errors", "error", err)
	}
	w.notify(err)
}

func (w *ConfigWatcher) notify(err error) {
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Close stops the watcher, cancels any pending reload and waits for a
// running one to finish.
func (w *ConfigWatcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.reloads.Wait()
	w.wg.Wait()
	return w.fsWatcher.Close()
}
