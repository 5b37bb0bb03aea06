// Package daemon wires the staging queue, dispatch loop, history, API and
// config watcher into one long-running process.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stagerd/internal/api"
	"github.com/mattjoyce/stagerd/internal/command"
	"github.com/mattjoyce/stagerd/internal/config"
	"github.com/mattjoyce/stagerd/internal/dispatch"
	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/lock"
	"github.com/mattjoyce/stagerd/internal/log"
	"github.com/mattjoyce/stagerd/internal/queue"
	"github.com/mattjoyce/stagerd/internal/storage"
	"github.com/mattjoyce/stagerd/internal/webhook"
)

const (
	eventBuffer   = 256
	pruneInterval = time.Hour
)

// Option configures a Daemon.
type Option func(*Daemon)

// WithSpawner replaces the command supervisor. The supervisor config is then
// not validated.
func WithSpawner(s dispatch.Spawner) Option {
	return func(d *Daemon) { d.spawner = s }
}

// WithLogger overrides the daemon's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithWatchOptions passes options to the config watcher.
func WithWatchOptions(opts ...config.WatcherOption) Option {
	return func(d *Daemon) { d.watchOpts = append(d.watchOpts, opts...) }
}

// Daemon owns every long-lived component of one stagerd process.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	sessionID string

	store      *queue.Store
	hub        *events.Hub
	spawner    dispatch.Spawner
	dispatcher *dispatch.Dispatcher
	db         *sql.DB
	history    *history.Store
	api        *api.Server
	webhook    *webhook.Server
	watcher    *config.Watcher
	watchOpts  []config.WatcherOption
}

// New builds the components described by cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	d := &Daemon{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		store:     queue.New(queue.Options{MaxFailures: cfg.Staging.MaxFailures}),
		hub:       events.NewHub(eventBuffer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("daemon")
	}

	if d.spawner == nil {
		sup := &command.Config{
			HelperPath:     cfg.Supervisor.HelperPath,
			TempDir:        cfg.Supervisor.TempDir,
			PidfileTimeout: cfg.Supervisor.PidfileTimeout,
			PollInterval:   cfg.Supervisor.PollInterval,
		}
		if err := sup.Validate(); err != nil {
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		d.spawner = dispatch.CommandSpawner{Config: sup}
	}

	dispatchOpts := []dispatch.Option{dispatch.WithPublisher(d.hub)}
	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		d.db = db
		d.history = history.NewStore(db, d.sessionID)
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(d.history))
	}
	d.dispatcher = dispatch.New(d.store, d.spawner, dispatch.SettingsFromConfig(cfg), dispatchOpts...)

	if cfg.API.Enabled {
		apiOpts := []api.Option{api.WithWaker(d.dispatcher)}
		if d.history != nil {
			apiOpts = append(apiOpts, api.WithHistory(d.history))
		}
		d.api = api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, d.store, d.hub, log.WithComponent("api"), apiOpts...)
	}

	if cfg.Webhooks.Enabled() {
		wcfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.webhook = webhook.New(wcfg, d.store, log.WithComponent("webhook"),
			webhook.WithPublisher(d.hub), webhook.WithWaker(d.dispatcher))
	}

	if cfg.SourcePath != "" {
		w, err := config.NewWatcher(cfg, d.watchOpts...)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("config watcher: %w", err)
		}
		d.watcher = w
	}

	return d, nil
}

// SessionID identifies this process in the history log.
func (d *Daemon) SessionID() string { return d.sessionID }

// Store is the staging queue. In-process collaborators insert through it.
func (d *Daemon) Store() *queue.Store { return d.store }

// Hub is the lifecycle event hub.
func (d *Daemon) Hub() *events.Hub { return d.hub }

// Dispatcher is the dispatch loop.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// History is the attempt log, nil when history is disabled.
func (d *Daemon) History() *history.Store { return d.history }

// Enqueue inserts url, publishes stage.queued for new entries and wakes the
// dispatch loop.
func (d *Daemon) Enqueue(url, tree string) (queue.Entry, bool) {
	entry, created := d.store.CondInsert(url, tree)
	if created {
		d.hub.Publish(events.StageQueued, events.StagePayload{
			URL:        entry.URL,
			InstanceID: entry.InstanceID,
			Tree:       entry.TreeName,
		})
		d.dispatcher.Wake()
	}
	return entry, created
}

// Run holds the daemon lock and runs every component until ctx is cancelled
// or one of them fails. A corrupt queue store is returned as
// dispatch.ErrStoreCorrupt.
func (d *Daemon) Run(ctx context.Context) error {
	pidLock, err := lock.AcquirePIDLock(d.cfg.Service.LockPath)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", d.cfg.Service.LockPath, err)
	}
	defer pidLock.Release()
	d.logger.Info("acquired PID lock", "path", pidLock.Path(), "session_id", d.sessionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("dispatcher", d.dispatcher.Start)
	if d.api != nil {
		start("api", d.api.Start)
	}
	if d.webhook != nil {
		start("webhook", d.webhook.Start)
	}
	if d.watcher != nil {
		start("config watcher", d.watcher.Run)
		start("reload", d.applyReloads)
	}
	if d.history != nil {
		start("history prune", d.pruneLoop)
	}

	d.logger.Info("stagerd running",
		"max_parallel", d.cfg.Staging.MaxParallel,
		"api", d.api != nil,
		"webhooks", d.webhook != nil,
		"history", d.history != nil)

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	case runErr = <-errCh:
		d.logger.Error("component failed", "error", runErr)
	}
	cancel()
	wg.Wait()

	if d.cfg.Staging.StopOnExit {
		if err := d.dispatcher.Shutdown(d.dispatcher.Settings().StopGrace); err != nil {
			d.logger.Warn("stopping helpers failed", "error", err)
		}
	} else if n := d.dispatcher.Active(); n > 0 {
		d.logger.Info("leaving helpers running", "active", n)
	}

	d.logger.Info("stagerd stopped")
	return runErr
}

// Close releases the history database.
func (d *Daemon) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *Daemon) applyReloads(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-d.watcher.Changes():
			if !ok {
				return nil
			}
			d.applyReload(r)
		}
	}
}

func (d *Daemon) applyReload(r config.Reload) {
	names := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		names = append(names, c.String())
		switch c := c.(type) {
		case config.LogLevelChanged:
			log.SetLevel(c.New)
		case config.RestartRequired:
			d.logger.Warn("setting changed but needs a restart", "setting", c.Setting)
		}
	}
	d.dispatcher.Reconfigure(r.Changes)
	d.hub.Publish(events.ConfigReloaded, events.ReloadPayload{Hash: r.Hash, Changes: names})
}

func (d *Daemon) pruneLoop(ctx context.Context) error {
	if d.cfg.History.Retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := d.history.Prune(ctx, d.cfg.History.Retention)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("history prune failed", "error", err)
		} else if n > 0 {
			d.logger.Info("history pruned", "removed", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
