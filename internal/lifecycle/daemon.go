// Package lifecycle runs the daemon: single-instance guard, component
// wiring, signal handling, config reload and graceful shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/delivery"
	"github.com/user/nextmeeting/internal/handler"
	"github.com/user/nextmeeting/internal/notify"
	"github.com/user/nextmeeting/internal/scheduler"
	"github.com/user/nextmeeting/internal/server"
	"github.com/user/nextmeeting/internal/state"
	"github.com/user/nextmeeting/internal/telegram"
)

// Options configure a Daemon. ConfigPath is reread on reload; LogLevel, when
// set, follows log_level across reloads.
type Options struct {
	ConfigPath  string
	Version     string
	WatchConfig bool
	LogLevel    *slog.LevelVar
}

// Daemon owns every long-running component and their shared state store.
type Daemon struct {
	opts Options

	mu  sync.Mutex
	cfg *config.Config

	store   *state.Store
	sched   *scheduler.Scheduler
	engine  *notify.Engine
	runner  *notify.Runner
	sinks   *delivery.Registry
	handler *handler.Handler
	server  *server.Server
	bot     *telegram.Adapter

	reloadMu sync.Mutex
	reloads  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	// exit is called on a second termination signal.
	exit func(code int)
}

// New wires the components for cfg. Nothing is bound or started until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	specs, err := scheduler.BuildJobs(cfg)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	notifyOpts, err := notify.OptionsFromConfig(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("notify config: %w", err)
	}

	d := &Daemon{
		opts:    opts,
		cfg:     cfg,
		reloads: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		exit:    os.Exit,
	}

	var cache *state.Cache
	if cfg.CacheFile != "" {
		cache = state.NewCache(cfg.CacheFile)
	}
	d.store = state.NewStore(cache)
	d.sched = scheduler.New(d.store, scheduler.OptionsFromConfig(cfg.Scheduler), specs)

	d.sinks = delivery.NewRegistry()
	d.engine = notify.NewEngine(d.store, d.sinks, notifyOpts)
	d.runner = notify.NewRunner(d.engine)
	d.handler = handler.New(d.store, d.sched, d.engine, handler.Options{
		Version:    opts.Version,
		OnShutdown: d.requestShutdown,
	})

	if cfg.Notify.Desktop {
		d.sinks.Register(delivery.NewDesktop())
	}
	if tg := cfg.Notify.Telegram; tg.Token != "" && tg.ChatID != 0 {
		bot, err := telegram.New(tg.Token, tg.ChatID, d.handler)
		if err != nil {
			slog.Error("telegram disabled", "error", err)
		} else {
			d.bot = bot
			d.sinks.Register(bot)
		}
	}
	if len(d.sinks.Names()) == 0 {
		d.sinks.Register(delivery.Log{})
	}

	d.server = server.New(cfg.SocketPath, d.handler, server.Options{
		MaxConnections:    cfg.Server.MaxConnections,
		ConnectionTimeout: cfg.Server.ConnectionTimeout.D(),
	})
	return d, nil
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run takes the PID file, binds the socket and runs until shutdown. It
// returns nil after a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.Config()
	pid, err := AcquirePIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := pid.Release(); err != nil {
			slog.Warn("failed to remove PID file", "error", err)
		}
	}()

	if err := d.server.Bind(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go d.handleSignals(sigCh, done)

	slog.Info("nextmeeting started",
		"version", d.opts.Version,
		"socket", cfg.SocketPath,
		"pid_file", pid.Path(),
		"providers", len(cfg.EnabledProviders()),
		"sinks", d.sinks.Names(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sched.Run(gctx) })
	g.Go(func() error { return d.runner.Run(gctx) })
	g.Go(func() error { return d.server.Serve(gctx) })
	if d.bot != nil {
		g.Go(func() error {
			d.bot.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-d.reloads:
				d.Reload(gctx) //nolint:errcheck
			}
		}
	})
	if d.opts.WatchConfig && d.opts.ConfigPath != "" {
		g.Go(func() error {
			if err := watchConfig(gctx, d.opts.ConfigPath, watchDebounce, d.TriggerReload); err != nil {
				slog.Warn("config watch disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		d.handler.BeginShutdown()
		d.sched.Stop()

		graceCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.D())
		defer stop()
		if err := d.server.Shutdown(graceCtx); err != nil {
			slog.Warn("connections did not drain in time", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("nextmeeting stopped")
	return nil
}

// TriggerReload queues a reload. Requests made while one is pending
// coalesce.
func (d *Daemon) TriggerReload() {
	select {
	case d.reloads <- struct{}{}:
	default:
	}
}

// Reload rereads the config file. An invalid file is reported and the
// running configuration stays in place; a valid one swaps the provider set,
// scheduling policy and notification settings between scheduler ticks.
func (d *Daemon) Reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	cfg, specs, notifyOpts, err := d.loadConfig()
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", "path", d.opts.ConfigPath, "error", err)
		return err
	}
	if err := d.sched.Reload(ctx, scheduler.OptionsFromConfig(cfg.Scheduler), specs); err != nil {
		slog.Error("scheduler reload failed", "error", err)
		return fmt.Errorf("reload scheduler: %w", err)
	}
	if err := d.runner.Reload(notifyOpts); err != nil {
		slog.Error("notification reload failed", "error", err)
		return fmt.Errorf("reload notifications: %w", err)
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.mu.Unlock()

	if old.SocketPath != cfg.SocketPath || old.PIDFile != cfg.PIDFile {
		slog.Warn("socket_path and pid_file changes take effect after restart")
	}
	if d.opts.LogLevel != nil {
		d.opts.LogLevel.Set(ParseLevel(cfg.LogLevel))
	}
	slog.Info("configuration reloaded", "providers", len(specs))
	return nil
}

func (d *Daemon) loadConfig() (*config.Config, []scheduler.JobSpec, notify.Options, error) {
	if _, err := os.Stat(d.opts.ConfigPath); err != nil {
		return nil, nil, notify.Options{}, fmt.Errorf("reload config: %w", err)
	}
	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return nil, nil, notify.Options{}, err
	}
	specs, err := scheduler.BuildJobs(cfg)
	if err != nil {
		return nil, nil, notify.Options{}, err
	}
	notifyOpts, err := notify.OptionsFromConfig(cfg.Notify)
	if err != nil {
		return nil, nil, notify.Options{}, err
	}
	return cfg, specs, notifyOpts, nil
}

func (d *Daemon) requestShutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) handleSignals(sigCh <-chan os.Signal, done <-chan struct{}) {
	terminating := false
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				slog.Info("received SIGHUP, reloading configuration")
				d.TriggerReload()
			case syscall.SIGUSR1:
				slog.Info("received SIGUSR1, syncing all providers")
				if err := d.sched.SyncNow(); err != nil {
					slog.Warn("sync request dropped", "error", err)
				}
			case syscall.SIGUSR2:
				if d.sched.Paused() {
					d.sched.Resume()
				} else {
					d.sched.Pause()
				}
			default:
				if terminating {
					slog.Warn("second termination signal, exiting immediately", "signal", sig)
					d.exit(1)
					return
				}
				terminating = true
				slog.Info("received termination signal", "signal", sig)
				d.requestShutdown()
			}
		}
	}
}

// ParseLevel maps a log_level value to a slog level; unknown values are info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
