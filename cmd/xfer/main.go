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

	"xfer/internal/config"
	"xfer/internal/handler"
	"xfer/internal/metrics"
	"xfer/internal/middleware"
	"xfer/internal/transport"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("xfer"),
		kong.Description("Transfer URLs with pooled, retrying HTTP handlers."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *CLI { return &cli },
			func() *config.CLI { return &cli.CLI },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTransfers,
			newEcho,
		),
		fx.Invoke(warnConfigPermissions, startServer, runTransfers),
	).Run()
}

// newLogger writes to stderr; stdout carries response bodies.
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
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

// transfers holds the single and multiplexed handlers, each with its own
// factory and pool.
type transfers struct {
	single      *transport.Handler
	multi       *transport.MultiHandler
	singleStats *transport.Factory
	multiStats  *transport.Factory
}

func newTransfers(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *transfers {
	sf := transport.NewFactory("single", cfg.Transfer.PoolSize, logger, m)
	mf := transport.NewFactory("multi", cfg.Transfer.MultiPoolSize, logger, m)
	t := &transfers{
		single:      transport.NewHandler(sf),
		multi:       transport.NewMultiHandler(mf, cfg.Transfer.MultiOptions()),
		singleStats: sf,
		multiStats:  mf,
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			t.multi.Close()
			mf.Close()
			sf.Close()
			return nil
		},
	})
	return t
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, t *transfers, v handler.Version) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "status")))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.NoStore())

	health := handler.NewHealthHandler(map[string]handler.StatusProvider{
		"single": t.singleStats,
		"multi":  t.multiStats,
	}, v)
	handler.RegisterRoutes(e, health, cfg.Metrics.Path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Metrics.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting status server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("status server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down status server")
			return e.Shutdown(ctx)
		},
	})
}

// runTransfers performs the requested transfers once the app has started
// and shuts the app down with the resulting exit code.
func runTransfers(lc fx.Lifecycle, sd fx.Shutdowner, cli *CLI, cfg *config.Config, t *transfers, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			defaults, err := cfg.RequestDefaults()
			if err != nil {
				cancel()
				return fmt.Errorf("request defaults: %w", err)
			}
			go func() {
				defer close(done)
				r := &runner{cli: cli, defaults: defaults, t: t, stdout: os.Stdout, stderr: os.Stderr, logger: logger}
				code := r.run(ctx)
				if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Error("shutdown", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
