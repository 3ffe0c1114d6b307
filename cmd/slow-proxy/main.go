package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"slow-proxy-go/internal/cache"
	"slow-proxy-go/internal/client"
	"slow-proxy-go/internal/config"
	"slow-proxy-go/internal/handler"
	"slow-proxy-go/internal/metrics"
	"slow-proxy-go/internal/middleware"
	"slow-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminEcho is the Echo instance behind the admin listener.
type adminEcho struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("slow-proxy"),
		kong.Description("Caching reverse proxy in front of a single slow HTTPS origin."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newCacheStore,
			client.NewOriginClient,
			func(c *client.OriginClient) service.Fetcher { return c },
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
			newAdminEcho,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerAdminRoutes,
			warnConfigPermissions,
			startServer,
			startAdminServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; every consumer accepts nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newCacheStore(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *cache.Store {
	store := cache.New(cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		Coalesce:   cfg.Cache.Coalesce,
	})
	if m != nil {
		m.RegisterCacheSize(store.Len)
	}
	logger.Info("response cache ready",
		"max_entries", cfg.Cache.MaxEntries,
		"coalesce", cfg.Cache.Coalesce,
	)
	return store
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.PlainTextErrorHandler

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): a cache miss waits on the origin for up to
	// origin.timeout_seconds before the first byte is written.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// No RequestID or security headers here: proxied responses carry only
	// what the origin sent.
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger, "proxy"))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m, "proxy"))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho(logger *slog.Logger, m *metrics.Metrics) adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, "admin"))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m, "admin"))
	}
	e.Use(middleware.AdminHeaders())

	return adminEcho{e}
}

func registerAdminRoutes(a adminEcho, health *handler.HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
	}
	handler.RegisterAdminRoutes(a.Echo, health, cfg.Metrics.Path, metricsHandler)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, oc *client.OriginClient, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("proxying",
				"front_host", cfg.Server.FrontHost,
				"origin", "https://"+cfg.Origin.Authority,
			)
			return serve(e, cfg.Server.Addr(), "proxy", logger)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "server", "proxy")
			err := e.Shutdown(ctx)
			oc.CloseIdleConnections()
			return err
		},
	})
}

func startAdminServer(lc fx.Lifecycle, a adminEcho, cfg *config.Config, logger *slog.Logger) {
	if !cfg.AdminEnabled() {
		if cfg.Metrics.Enabled {
			logger.Warn("metrics enabled but admin listener disabled; metrics will not be served")
		}
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return serve(a.Echo, cfg.Admin.Addr(), "admin", logger)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "server", "admin")
			return a.Shutdown(ctx)
		},
	})
}

// serve binds addr synchronously so start-up fails on a taken port, then
// serves in the background.
func serve(e *echo.Echo, addr, name string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	logger.Info("starting server", "server", name, "addr", addr)
	go func() {
		if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "server", name, "err", err)
		}
	}()
	return nil
}
