package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/taskrouter/internal/metrics"
)

const reloadDebounce = 300 * time.Millisecond

// Changes summarises what a reload altered. Quotas and Ingress are applied
// live by OnReload hooks; RestartRequired lists settings that components
// captured at construction.
type Changes struct {
	Quotas          []string
	Ingress         bool
	RestartRequired []string
}

// Diff compares two configurations.
func Diff(old, new *Config) Changes {
	var c Changes
	for _, name := range new.ProviderNames() {
		if old.ProviderRateLimit(name) != new.ProviderRateLimit(name) {
			c.Quotas = append(c.Quotas, name)
		}
		if _, existed := old.Providers[name]; existed && old.ProviderBreaker(name) != new.ProviderBreaker(name) {
			c.RestartRequired = append(c.RestartRequired, "providers."+name+".circuit_breaker")
		}
	}
	if !slices.Equal(old.ProviderNames(), new.ProviderNames()) {
		c.RestartRequired = append(c.RestartRequired, "providers")
	}
	if old.Bridge != new.Bridge {
		c.RestartRequired = append(c.RestartRequired, "bridge")
	}
	if old.Router.DefaultProvider != new.Router.DefaultProvider {
		c.RestartRequired = append(c.RestartRequired, "router.default_provider")
	}
	c.Ingress = old.Ingress != new.Ingress
	return c
}

// Reloader owns the live configuration. The file is re-read on fsnotify
// events for its directory (so editors and ConfigMap updates that replace
// the file by rename are seen) and on SIGHUP where available.
type Reloader struct {
	mu      sync.RWMutex
	current *Config
	hooks   []func(*Config)

	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stop    sync.Once
}

// NewReloader wraps the already-loaded initial config. An empty path gives
// a Reloader that only serves Current.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers fn to run with every successfully reloaded config.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Start begins watching. It must be called at most once.
func (r *Reloader) Start() error {
	if r.path == "" {
		return fmt.Errorf("config reloader: no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config reloader: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config reloader: watching %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = watcher
	go r.watchLoop()
	r.watchSignals()
	r.logger.Info("watching config for changes", "path", r.path)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (r *Reloader) Stop() {
	r.stop.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload re-reads the file. An invalid file leaves the current config in
// place and returns the load error; hooks run only on success.
func (r *Reloader) Reload() error {
	next, err := Load(r.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("failure").Inc()
		r.logger.Error("config reload failed, keeping current config", "path", r.path, "error", err)
		return err
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	r.logChanges(prev, next, Diff(prev, next))
	for _, fn := range hooks {
		fn(next)
	}
	for _, w := range next.Warnings {
		r.logger.Warn("config warning", "warning", w)
	}
	metrics.ConfigReloads.WithLabelValues("success").Inc()
	return nil
}

func (r *Reloader) watchLoop() {
	name := filepath.Clean(r.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { r.Reload() }) //nolint:errcheck
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reloader) logChanges(prev, next *Config, c Changes) {
	for _, name := range c.Quotas {
		was, now := prev.ProviderRateLimit(name), next.ProviderRateLimit(name)
		r.logger.Info("provider quota changed",
			"provider", name,
			slog.Group("old", "per_minute", was.RequestsPerMinute, "per_hour", was.RequestsPerHour, "per_day", was.RequestsPerDay),
			slog.Group("new", "per_minute", now.RequestsPerMinute, "per_hour", now.RequestsPerHour, "per_day", now.RequestsPerDay),
		)
	}
	if c.Ingress {
		r.logger.Info("ingress limit changed",
			"requests_per_second", next.Ingress.RequestsPerSecond,
			"burst_size", next.Ingress.BurstSize,
		)
	}
	if len(c.RestartRequired) > 0 {
		r.logger.Warn("config changes need a restart to take effect", "settings", c.RestartRequired)
	}
	r.logger.Info("config reloaded", "path", r.path, "quota_changes", len(c.Quotas))
}
