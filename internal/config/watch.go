package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/stagerd/internal/log"
)

const defaultDebounce = 250 * time.Millisecond

// Reload is a validated configuration that differs from the previous one.
type Reload struct {
	Config  *Config
	Changes []Change
	Hash    string
}

// Watcher reloads the config file when it changes on disk.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are handled. Events are debounced and content
// whose BLAKE3 hash is unchanged is ignored.
type Watcher struct {
	path     string
	environ  map[string]string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	hash    string

	out chan Reload
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period after the last file event.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithEnviron sets the environment used for the STAGERD_ overlay on reload.
func WithEnviron(environ map[string]string) WatcherOption {
	return func(w *Watcher) { w.environ = environ }
}

// WithWatchLogger overrides the watcher's logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher watches the file cfg was loaded from.
func NewWatcher(cfg *Config, opts ...WatcherOption) (*Watcher, error) {
	if cfg == nil || cfg.SourcePath == "" {
		return nil, fmt.Errorf("config has no source path")
	}
	hash, err := ComputeBlake3Hash(cfg.SourcePath)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     cfg.SourcePath,
		debounce: defaultDebounce,
		current:  cfg,
		hash:     hash,
		out:      make(chan Reload, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.WithComponent("config")
	}
	return w, nil
}

// Changes delivers reloads. It is closed when Run returns.
func (w *Watcher) Changes() <-chan Reload {
	return w.out
}

// Current returns the most recently accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Check reloads the file if its content changed. It returns nil when the
// content is unchanged or the new content produced no differences. An
// invalid file is reported and the current configuration is kept.
func (w *Watcher) Check() (*Reload, error) {
	hash, err := ComputeBlake3Hash(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.hash {
		return nil, nil
	}

	next, err := LoadWithEnv(w.path, w.environ)
	if err != nil {
		return nil, err
	}
	changes := Diff(w.current, next)
	w.current = next
	w.hash = hash
	if len(changes) == 0 {
		return nil, nil
	}
	return &Reload{Config: next, Changes: changes, Hash: hash}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Debug("watching config", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)

		case <-timer.C:
			reload, err := w.Check()
			if err != nil {
				w.logger.Error("config reload rejected", "path", w.path, "error", err)
				continue
			}
			if reload == nil {
				continue
			}
			w.logger.Info("config reloaded", "hash", reload.Hash, "changes", len(reload.Changes))
			select {
			case w.out <- *reload:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == w.path || filepath.Base(name) == checksumFile
}
