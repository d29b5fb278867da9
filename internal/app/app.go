package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Lraviv/alert-bridge/internal/api"
	"github.com/Lraviv/alert-bridge/internal/broker"
	"github.com/Lraviv/alert-bridge/internal/config"
	"github.com/Lraviv/alert-bridge/internal/logging"
	"github.com/Lraviv/alert-bridge/internal/pipeline"
	"github.com/Lraviv/alert-bridge/internal/retry"
	"github.com/Lraviv/alert-bridge/internal/store"
	"github.com/Lraviv/alert-bridge/internal/ws"
)

// Options controls how an App is built.
type Options struct {
	// ConfigPath is the YAML config file. Empty uses defaults and environment
	// overrides only, and disables hot reload.
	ConfigPath string

	// Mock replaces RabbitMQ with the in-memory publisher.
	Mock bool

	// LogFormat overrides log.format when non-empty.
	LogFormat string

	// LogOutput receives log records. Defaults to os.Stdout.
	LogOutput io.Writer

	// Addr overrides the listen address derived from server.http_port.
	Addr string

	// Publisher, when set, is used instead of building one from the config.
	Publisher broker.Publisher
}

// App owns every long-lived component of the bridge and their lifecycle.
type App struct {
	opts Options

	mu  sync.RWMutex
	cfg *config.Config

	level *slog.LevelVar

	Publisher broker.Publisher
	Store     *store.File
	Pipeline  *pipeline.Pipeline
	Retry     *retry.Loop
	Hub       *ws.Hub

	server   *http.Server
	listener net.Listener
	errCh    chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads the configuration and installs the process logger.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.LogOutput == nil {
		opts.LogOutput = os.Stdout
	}
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)
	slog.SetDefault(logging.New(opts.LogOutput, format, level))

	return &App{
		opts:  opts,
		cfg:   cfg,
		level: level,
		errCh: make(chan error, 1),
	}, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Start connects to the broker, opens the failure store, binds the HTTP
// listener and launches the background goroutines. A broker connection
// failure is returned as *broker.ConnectionError.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()

	st, err := store.New(cfg.Store.Path, cfg.Store.MaxRecords)
	if err != nil {
		return err
	}
	a.Store = st

	a.Publisher = a.opts.Publisher
	if a.Publisher == nil {
		if a.opts.Mock {
			slog.Warn("app: using in-memory mock publisher, alerts will not leave this process")
			a.Publisher = broker.NewMock()
		} else {
			a.Publisher = broker.NewRabbitMQ(cfg.Broker)
		}
	}
	if err := a.Publisher.Connect(ctx); err != nil {
		return err
	}

	a.Pipeline = pipeline.New(a.Publisher, st, cfg.Broker.PublishTimeout)
	a.Retry = retry.New(retry.Options{
		Store:          st,
		Publisher:      a.Publisher,
		InitialDelay:   cfg.Retry.InitialDelay,
		Interval:       cfg.Retry.Interval,
		PublishTimeout: cfg.Broker.PublishTimeout,
		MaxAttempts:    cfg.Retry.MaxAttempts,
	})

	src := api.StatusSource{Publisher: a.Publisher, Store: st, Retry: a.Retry}
	a.Hub = ws.New(src, cfg.Status.Interval)
	a.Hub.Follow(st, a.Retry)

	mux := http.NewServeMux()
	mux.Handle("/", api.New(api.Options{
		StatusSource: src,
		Pipeline:     a.Pipeline,
		EnableAdmin:  cfg.Server.EnableAdmin,
	}))
	mux.Handle("/ws/stream", a.Hub)

	addr := a.opts.Addr
	if addr == "" {
		addr = ":" + strconv.Itoa(cfg.Server.HTTPPort)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		a.Publisher.Close() //nolint:errcheck
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}
	a.listener = lis
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		slog.Info("app: HTTP server listening", "addr", lis.Addr().String())
		if err := a.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("app: HTTP server stopped", "err", err)
			a.errCh <- err
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Hub.Run(runCtx)
	}()

	// The retry loop outlives runCtx; Shutdown stops it after the HTTP server.
	a.Retry.Start(context.WithoutCancel(ctx))

	if a.opts.ConfigPath != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := config.Watch(runCtx, a.opts.ConfigPath, a.applyConfig); err != nil {
				slog.Error("app: config watcher stopped", "err", err)
			}
		}()
	}

	slog.Info("app: started",
		"exchange", cfg.Broker.Exchange,
		"store", cfg.Store.Path,
		"retry_interval", cfg.Retry.Interval,
		"mock", a.opts.Mock)
	return nil
}

// Addr returns the bound HTTP address, or "" before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Err yields a fatal HTTP server error.
func (a *App) Err() <-chan error { return a.errCh }

// Shutdown stops the components in order: config watcher and status hub,
// then the HTTP server (draining in-flight requests within ctx), then the
// retry loop, then the broker session.
func (a *App) Shutdown(ctx context.Context) error {
	slog.Info("app: shutting down")

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("app: HTTP server shutdown", "err", err)
			errs = append(errs, err)
		}
	}
	if a.Retry != nil {
		a.Retry.Stop()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			slog.Error("app: broker close", "err", err)
			errs = append(errs, err)
		}
	}

	slog.Info("app: shutdown complete")
	return errors.Join(errs...)
}

// applyConfig applies the hot-reloadable settings of cfg. Everything else
// needs a restart and is only reported.
func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		a.level.Set(lvl)
	}
	if a.Retry != nil {
		a.Retry.SetInterval(cfg.Retry.Interval)
		a.Retry.SetMaxAttempts(cfg.Retry.MaxAttempts)
		a.Retry.SetPublishTimeout(cfg.Broker.PublishTimeout)
	}
	if a.Pipeline != nil {
		a.Pipeline.SetPublishTimeout(cfg.Broker.PublishTimeout)
	}

	slog.Info("app: config applied",
		"log_level", cfg.Log.Level,
		"retry_interval", cfg.Retry.Interval,
		"max_attempts", cfg.Retry.MaxAttempts,
		"publish_timeout", cfg.Broker.PublishTimeout)

	if needsRestart(prev, cfg) {
		slog.Warn("app: some changed settings take effect only after a restart")
	}
}

func needsRestart(prev, next *config.Config) bool {
	return prev.Server != next.Server ||
		prev.Broker.Addr() != next.Broker.Addr() ||
		prev.Broker.Exchange != next.Broker.Exchange ||
		prev.Broker.VHost != next.Broker.VHost ||
		prev.Store != next.Store ||
		prev.Log.Format != next.Log.Format ||
		prev.Retry.InitialDelay != next.Retry.InitialDelay ||
		prev.Status != next.Status
}
