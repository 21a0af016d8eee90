package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dskow/taskrouter/internal/admin"
	"github.com/dskow/taskrouter/internal/api"
	"github.com/dskow/taskrouter/internal/app"
	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/health"
	"github.com/dskow/taskrouter/internal/logging"
	"github.com/dskow/taskrouter/internal/metrics"
	"github.com/dskow/taskrouter/internal/ratelimit"
	"github.com/dskow/taskrouter/internal/tlsutil"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.configPath)
		},
	}
}

// runServe blocks until ctx is cancelled, then drains in-flight requests.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}
	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"providers", cfg.EnabledProviders(),
		"default_provider", cfg.Router.DefaultProvider,
		"bridge_mode", cfg.Bridge.Mode,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	var certs *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certs, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			return err
		}
		defer certs.Stop()
	}

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("assembling router: %w", err)
	}

	ingress := ratelimit.NewIngress(cfg.Ingress, cfg.Server.TrustedProxies, logger)
	defer ingress.Stop()

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		a.Apply(newCfg)
		ingress.UpdateConfig(newCfg.Ingress)
	})
	if err := reloader.Start(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer reloader.Stop()

	// Health, admin and metrics skip the task middleware (body limit,
	// deadline, tenant admission).
	ops := http.NewServeMux()
	health.New(a.Adapters, a.Breakers, logger).RegisterRoutes(ops)
	mounts := []api.Mount{{Pattern: "/health", Handler: ops}, {Pattern: "/ready", Handler: ops}}

	if cfg.Admin.Enabled {
		admin.New(admin.Deps{
			Config:   reloader,
			Adapters: a.Adapters,
			Limiter:  a.Limiter,
			Breakers: a.Breakers,
			Bulkhead: a.Bulkhead,
			Logger:   logger,
		}, cfg.Admin.IPAllowlist).RegisterRoutes(ops)
		mounts = append(mounts, api.Mount{Pattern: "/admin/*", Handler: ops})
	}
	if cfg.Metrics.IsEnabled() {
		mounts = append(mounts, api.Mount{Pattern: cfg.Metrics.Path, Handler: metrics.Handler()})
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	handler := api.NewRouter(api.New(api.Deps{
		Executor: a.Router,
		Adapters: a.Adapters,
		Limiter:  a.Limiter,
		Breakers: a.Breakers,
		Logger:   logger,
	}), api.RouterOptions{
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Timeout:      cfg.Server.GlobalTimeout(),
		CORSOrigins:  cfg.Server.CORSOrigins,
		Ingress:      ingress.Middleware(),
		Mounts:       mounts,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if certs != nil {
		srv.TLSConfig = certs.ServerConfig(cfg.Server.TLS.MinVersion)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting taskrouter", "addr", srv.Addr)
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		serveErr = errors.Join(serveErr, err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("closing router components", "error", err)
		serveErr = errors.Join(serveErr, err)
	}

	logger.Info("taskrouter stopped")
	return serveErr
}
