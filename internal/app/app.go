// Package app assembles the router and its collaborators from a loaded
// configuration. Both the HTTP server and the one-shot CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/budget"
	"github.com/dskow/taskrouter/internal/circuitbreaker"
	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/execlog"
	"github.com/dskow/taskrouter/internal/ratelimit"
	"github.com/dskow/taskrouter/internal/router"
	"github.com/dskow/taskrouter/internal/task"
)

// Options tune assembly for tests and embedded use.
type Options struct {
	// Now replaces the wall clock for every time-based component.
	Now func() time.Time
	// Tools replaces the canned tool set used when bridge.mode is local.
	Tools map[string]adapter.ToolFunc
	// BridgeClient replaces the HTTP client used to reach the bridge.
	BridgeClient *http.Client
	// ExecSinks are appended to the configured execution log sinks.
	ExecSinks []execlog.Sink
}

// App holds the assembled runtime.
type App struct {
	Config   *config.Config
	Router   *router.Router
	Adapters adapter.Registry
	Limiter  *ratelimit.Limiter
	Breakers *circuitbreaker.Set
	Bulkhead *circuitbreaker.Bulkhead

	logger  *slog.Logger
	execLog *execlog.Async
	closers []func() error
}

// New builds every component described by cfg. Connections to Redis and
// Postgres are verified here, so a reachable backend is a startup
// requirement when either is configured.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{Config: cfg, logger: logger}

	guard, err := a.buildBudget(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	invoker, err := buildInvoker(cfg, opts)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	var adapters []adapter.Adapter
	for _, name := range cfg.EnabledProviders() {
		ad, err := adapter.New(name, adapter.Deps{
			Invoker:   invoker,
			Budget:    guard,
			CostCents: cfg.Providers[name].CostCents,
			HealthTTL: cfg.Router.HealthCacheTTL,
			Now:       opts.Now,
			Logger:    logger.With("provider", name),
		})
		if err != nil {
			a.closeAll()
			return nil, err
		}
		adapters = append(adapters, ad)
	}
	a.Adapters = adapter.NewRegistry(adapters...)

	sink, err := a.buildSinks(ctx, cfg, logger, opts)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.execLog = execlog.NewAsync(sink, cfg.ExecLog.BufferSize, logger)

	a.Limiter = ratelimit.New(cfg.RateLimits(), cfg.Defaults.RateLimit, opts.Now, logger)
	a.Breakers = circuitbreaker.NewSet(breakerConfigs(cfg), breakerConfig(cfg.Defaults.CircuitBreaker), opts.Now, logger)
	a.Bulkhead = circuitbreaker.NewBulkhead(bulkheadLimits(cfg))

	a.Router = router.New(RouterConfig(cfg), router.Deps{
		Adapters: a.Adapters,
		Limiter:  a.Limiter,
		Breakers: a.Breakers,
		Bulkhead: a.Bulkhead,
		ExecLog:  a.execLog,
		Logger:   logger,
		Now:      opts.Now,
	})

	logger.Info("router assembled",
		"providers", a.Adapters.Names(),
		"bridge_mode", cfg.Bridge.Mode,
		"budget_backend", cfg.Budget.Backend,
		"execlog_sinks", cfg.ExecLog.Sinks,
	)
	return a, nil
}

// Apply pushes the hot-reloadable parts of cfg into the running components.
// Quotas take effect immediately; routing tables, breakers and adapters
// need a restart.
func (a *App) Apply(cfg *config.Config) {
	a.Limiter.UpdateConfig(cfg.RateLimits())
	a.logger.Info("provider quotas reloaded", "providers", len(cfg.Providers))
}

// Close drains the execution log and releases backend connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.execLog != nil {
		if err := a.execLog.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining execution log: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildBudget(ctx context.Context, cfg *config.Config, opts Options) (budget.Guard, error) {
	limits := budget.Limits{Default: cfg.Budget.DailyLimitCents, Tenants: cfg.Budget.TenantLimits}
	switch cfg.Budget.Backend {
	case "memory":
		return budget.NewMemory(limits, opts.Now), nil
	case "redis":
		rdb := budget.NewRedisClient(budget.RedisOptions{
			Addr:     cfg.Budget.Redis.Addr,
			Password: cfg.Secrets.RedisPassword,
			DB:       cfg.Budget.Redis.DB,
		})
		g := budget.NewRedis(rdb, cfg.Budget.Redis.KeyPrefix, limits, opts.Now, a.logger)
		if err := g.Ping(ctx); err != nil {
			rdb.Close()
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	default:
		return budget.Noop{}, nil
	}
}

func buildInvoker(cfg *config.Config, opts Options) (adapter.ToolInvoker, error) {
	switch cfg.Bridge.Mode {
	case "local":
		tools := opts.Tools
		if tools == nil {
			tools = adapter.CannedTools()
		}
		return adapter.NewLocalInvoker(tools), nil
	case "http":
		return adapter.NewHTTPInvoker(adapter.HTTPInvokerConfig{
			BaseURL:    cfg.Bridge.URL,
			Timeout:    cfg.Bridge.Timeout,
			SigningKey: []byte(cfg.Secrets.BridgeSigningKey),
			Issuer:     cfg.Bridge.Issuer,
			Audience:   cfg.Bridge.Audience,
			Client:     opts.BridgeClient,
			Now:        opts.Now,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", cfg.Bridge.Mode)
	}
}

func (a *App) buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (execlog.Sink, error) {
	var sinks execlog.Multi
	for _, name := range cfg.ExecLog.Sinks {
		switch name {
		case "slog":
			sinks = append(sinks, execlog.NewSlogSink(logger.With("component", "execlog")))
		case "file":
			f := cfg.ExecLog.File
			s, err := execlog.NewFileSink(f.Path, f.MaxSizeMB, f.MaxBackups, f.MaxAgeDays)
			if err != nil {
				sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		case "postgres":
			s, err := execlog.NewPostgresSink(ctx, cfg.Secrets.PostgresDSN, cfg.ExecLog.Postgres.Table)
			if err != nil {
				sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		}
	}
	sinks = append(sinks, opts.ExecSinks...)
	return sinks, nil
}

// RouterConfig maps the loaded configuration onto the router's tables.
func RouterConfig(cfg *config.Config) router.Config {
	routes := make(map[task.Type]string, len(cfg.Routing))
	for t, p := range cfg.Routing {
		routes[task.Type(t)] = p
	}
	timeouts := make(map[string]time.Duration, len(cfg.Providers))
	for name := range cfg.Providers {
		timeouts[name] = cfg.ProviderTimeout(name)
	}
	return router.Config{
		Routes:           routes,
		DefaultProvider:  cfg.Router.DefaultProvider,
		Fallbacks:        cfg.Fallbacks,
		Timeouts:         timeouts,
		DefaultTimeout:   time.Duration(cfg.Defaults.TimeoutMs) * time.Millisecond,
		RateLimitBackoff: cfg.Router.RateLimitBackoff,
		MaxRetries:       cfg.Router.MaxRetries,
		RetryBaseDelay:   cfg.Router.RetryBaseDelay,
		RetryMaxDelay:    cfg.Router.RetryMaxDelay,
	}
}

func breakerConfig(c config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout(),
	}
}

func breakerConfigs(cfg *config.Config) map[string]circuitbreaker.Config {
	out := make(map[string]circuitbreaker.Config, len(cfg.Providers))
	for name := range cfg.Providers {
		out[name] = breakerConfig(cfg.ProviderBreaker(name))
	}
	return out
}

func bulkheadLimits(cfg *config.Config) map[string]int {
	out := make(map[string]int, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out[name] = p.MaxConcurrent
	}
	return out
}
