// Package server wires the vault components and runs the long-lived
// process: migrations, the retention scheduler and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config     *config.Config
	logger     logging.Logger
	registry   *prometheus.Registry
	components *Components
}

// NewLogger builds the JSON logger at the configured level.
func NewLogger(level string) (*logging.SlogLogger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return logging.NewJSON(os.Stdout, l), nil
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, err := NewLogger(c.LogLevel)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	components, err := Build(ctx, c, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("init error: %w", err)
	}
	return &App{config: c, logger: logger, registry: reg, components: components}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "metrics endpoint listening", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "metrics server failed", "error", err)
		cancelFunc()
	}
}

// Run migrates the schema, then serves until ctx is cancelled or a signal
// arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer func() {
		if err := app.components.Close(); err != nil {
			app.logger.Error(ctx, "close failed", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting app...", "mode", app.config.ValidationMode.String())
	app.initSignalHandler(cancelFunc)

	if err := app.components.Ping(ctx); err != nil {
		return err
	}
	if err := app.components.RepoManager.RunMigrations(ctx, app.components.DB); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var wg sync.WaitGroup

	if app.config.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startMetricsServer(ctx, cancelFunc)
		}()
	}

	if app.config.Pruner.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.components.Pruner.Schedule(ctx, app.config.Pruner.Interval)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	app.logger.Info(context.WithoutCancel(ctx), "app stopped")
	return nil
}
