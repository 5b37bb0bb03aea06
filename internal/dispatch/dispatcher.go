package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/stagerd/internal/command"
	"github.com/mattjoyce/stagerd/internal/config"
	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/log"
	"github.com/mattjoyce/stagerd/internal/protocol"
	"github.com/mattjoyce/stagerd/internal/queue"
)

const (
	// maxStderrBytes caps the stderr tail kept in history.
	maxStderrBytes = 64 * 1024

	// ReasonNotStaged is the FAIL reason meaning nothing was staged.
	ReasonNotStaged = "not_staged"

	// Result-line fields read on completion.
	fieldTree     = "Tree"
	fieldEndpoint = "EndpointUrl"
	fieldSize     = "Size"
	fieldEvents   = "Events"
	fieldReason   = "Reason"

	// attachTimeout bounds the wait for a late pid when no staging timeout
	// is configured.
	attachTimeout = 10 * time.Minute
)

// ErrStoreCorrupt means the queue store disagrees with the dispatcher's own
// bookkeeping. It is not recoverable.
var ErrStoreCorrupt = errors.New("queue store corrupt")

// Settings are the reloadable knobs of the loop.
type Settings struct {
	MaxParallel  int
	TickInterval time.Duration
	Command      string
	DefaultTree  string
	// Timeout bounds one process; 0 disables.
	Timeout   time.Duration
	StopGrace time.Duration
}

// SettingsFromConfig extracts the dispatcher settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxParallel:  cfg.Staging.MaxParallel,
		TickInterval: cfg.Service.TickInterval,
		Command:      cfg.Staging.Command,
		DefaultTree:  cfg.Staging.DefaultTree,
		Timeout:      cfg.Staging.Timeout,
		StopGrace:    cfg.Staging.StopGrace,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithRecorder logs every finished attempt to r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type tracked struct {
	proc Process
	url  string
	tree string

	// attaching is set until the launched command's pid is known.
	attaching bool
	// termAt is when a timed-out process was sent SIGTERM.
	termAt time.Time
	killed bool
}

// Dispatcher moves queue entries through their helper processes.
//
// Tick, Start and Shutdown must be called from one goroutine. Reconfigure
// and Wake are safe from any goroutine.
type Dispatcher struct {
	store    *queue.Store
	spawner  Spawner
	settings Settings
	logger   *slog.Logger
	events   events.Publisher
	recorder Recorder
	now      func() time.Time

	active map[uint32]*tracked

	mu      sync.Mutex
	pending []config.Change

	wake chan struct{}
}

// New creates a Dispatcher over store.
func New(store *queue.Store, spawner Spawner, settings Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		spawner:  spawner,
		settings: settings,
		events:   events.Discard{},
		now:      time.Now,
		active:   make(map[uint32]*tracked),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// Active returns the number of tracked processes.
func (d *Dispatcher) Active() int {
	return len(d.active)
}

// Settings returns the settings in effect.
func (d *Dispatcher) Settings() Settings {
	return d.settings
}

// Reconfigure queues changes for the next tick.
func (d *Dispatcher) Reconfigure(changes []config.Change) {
	if len(changes) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, changes...)
	d.mu.Unlock()
	d.Wake()
}

// Wake asks Start to tick now instead of waiting for the ticker.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start ticks immediately and then every TickInterval until ctx is done.
// It returns nil on cancellation and ErrStoreCorrupt if a tick finds one.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started",
		"max_parallel", d.settings.MaxParallel, "tick_interval", d.settings.TickInterval)
	defer d.logger.Info("dispatch loop stopped", "active", len(d.active))

	interval := d.settings.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil {
			return err
		}
		if d.settings.TickInterval > 0 && d.settings.TickInterval != interval {
			interval = d.settings.TickInterval
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Tick runs one reconcile and fill pass and returns the resulting summary.
func (d *Dispatcher) Tick(ctx context.Context) (queue.Summary, error) {
	d.applyPending()

	if err := d.reconcile(ctx); err != nil {
		return queue.Summary{}, err
	}
	if err := d.fill(ctx); err != nil {
		return queue.Summary{}, err
	}

	sum := d.store.Summary()
	d.logger.Debug("tick",
		"queued", sum.Queued, "running", sum.Running,
		"success", sum.Success, "failed", sum.Failed, "active", len(d.active))
	return sum, nil
}

// Shutdown stops and cleans every tracked process. It is only called when
// in-flight helpers must not outlive the daemon.
func (d *Dispatcher) Shutdown(grace time.Duration) error {
	var errs []error
	for _, id := range d.activeIDs() {
		a := d.active[id]
		if a.attaching {
			a.proc.Attach()
		}
		d.logger.Info("stopping helper on shutdown", "url", a.url, "instance_id", id, "pid", a.proc.PID())
		if err := a.proc.Stop(grace); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", a.url, err))
		}
		if err := a.proc.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", a.url, err))
		}
		delete(d.active, id)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) applyPending() {
	d.mu.Lock()
	changes := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, c := range changes {
		switch c := c.(type) {
		case config.MaxParallelChanged:
			d.settings.MaxParallel = c.New
		case config.MaxFailuresChanged:
			d.store.SetMaxFailures(c.New)
		case config.TickIntervalChanged:
			d.settings.TickInterval = c.New
		case config.CommandChanged:
			d.settings.Command = c.New
		case config.DefaultTreeChanged:
			d.settings.DefaultTree = c.New
		case config.TimeoutChanged:
			d.settings.Timeout = c.New
		case config.StopGraceChanged:
			d.settings.StopGrace = c.New
		default:
			continue
		}
		d.logger.Info("setting applied", "change", c.String())
	}
}

// reconcile settles every running entry whose process finished, timed out
// or vanished.
func (d *Dispatcher) reconcile(ctx context.Context) error {
	running := d.store.QueryByStatus(queue.StatusRunning, 0)
	seen := make(map[uint32]struct{}, len(running))

	for _, e := range running {
		seen[e.InstanceID] = struct{}{}
		logger := d.logger.With("url", e.URL, "instance_id", e.InstanceID)

		a, ok := d.active[e.InstanceID]
		if !ok {
			logger.Warn("running entry has no process, requeueing")
			if err := d.fail(ctx, e, nil, false, history.OutcomeFailed, "orphaned"); err != nil {
				return err
			}
			continue
		}

		if a.attaching {
			if !a.proc.Attach() {
				if d.now().Sub(a.proc.StartedAt()) <= d.attachLimit() {
					continue
				}
				// Nothing to signal without a pid.
				logger.Error("helper never reported a pid, giving up", "waited", d.now().Sub(a.proc.StartedAt()))
				if err := d.fail(ctx, e, a, false, history.OutcomeTimedOut, "no pid"); err != nil {
					return err
				}
				continue
			}
			a.attaching = false
			d.started(e, a, logger)
		}

		if a.proc.IsRunning() {
			d.enforceTimeout(a, logger)
			continue
		}

		if !a.termAt.IsZero() {
			if err := d.fail(ctx, e, a, false, history.OutcomeTimedOut, "timeout"); err != nil {
				return err
			}
			continue
		}

		res, err := a.proc.Output()
		if err != nil {
			logger.Error("failed to read helper output", "error", err)
			res = protocol.Result{}
		}
		if res.OK {
			if err := d.succeed(ctx, e, a, res); err != nil {
				return err
			}
			continue
		}

		reason, _ := res.Text(fieldReason)
		if !res.Found {
			reason = "no result"
		}
		if err := d.fail(ctx, e, a, reason != ReasonNotStaged, history.OutcomeFailed, reason); err != nil {
			return err
		}
	}

	for _, id := range d.activeIDs() {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: instance %d for %s is tracked but not running", ErrStoreCorrupt, id, d.active[id].url)
		}
	}
	return nil
}

// enforceTimeout sends SIGTERM to a process over the timeout and SIGKILL once
// StopGrace has passed since. It never waits; the entry settles on a later
// tick when the process is gone.
func (d *Dispatcher) enforceTimeout(a *tracked, logger *slog.Logger) {
	now := d.now()
	if a.termAt.IsZero() {
		elapsed := now.Sub(a.proc.StartedAt())
		if d.settings.Timeout <= 0 || elapsed <= d.settings.Timeout {
			return
		}
		logger.Warn("staging timed out, sending SIGTERM", "elapsed", elapsed, "timeout", d.settings.Timeout, "pid", a.proc.PID())
		if err := a.proc.Terminate(); err != nil {
			logger.Error("failed to terminate helper", "error", err)
		}
		a.termAt = now
	}
	if a.killed || now.Sub(a.termAt) < d.settings.StopGrace {
		return
	}
	logger.Warn("helper still running after SIGTERM, sending SIGKILL", "grace", d.settings.StopGrace, "pid", a.proc.PID())
	if err := a.proc.Kill(); err != nil {
		logger.Error("failed to kill helper", "error", err)
		return
	}
	a.killed = true
}

func (d *Dispatcher) attachLimit() time.Duration {
	if d.settings.Timeout > 0 {
		return d.settings.Timeout
	}
	return attachTimeout
}

func (d *Dispatcher) succeed(ctx context.Context, e queue.Entry, a *tracked, res protocol.Result) error {
	result := queue.Result{
		Events:    res.Uint(fieldEvents),
		SizeBytes: res.Uint(fieldSize),
	}
	result.EndpointURL, _ = res.Text(fieldEndpoint)
	result.TreeName, _ = res.Text(fieldTree)

	updated, err := d.store.Success(e.URL, result)
	if err != nil {
		return fmt.Errorf("%w: success %s: %v", ErrStoreCorrupt, e.URL, err)
	}
	elapsed := d.release(e.InstanceID, a)

	d.logger.Info("staging succeeded",
		"url", e.URL, "instance_id", e.InstanceID, "endpoint", result.EndpointURL,
		"size_bytes", result.SizeBytes, "events", result.Events, "elapsed", elapsed)
	d.events.Publish(events.StageSucceeded, events.StagePayload{
		URL: e.URL, InstanceID: e.InstanceID, Tree: result.TreeName,
		Endpoint: result.EndpointURL, SizeBytes: result.SizeBytes, Events: result.Events,
		Failures: updated.Failures, Elapsed: elapsed,
	})
	d.record(ctx, history.Attempt{
		URL: e.URL, InstanceID: e.InstanceID, Outcome: history.OutcomeSuccess,
		Failures: updated.Failures, Tree: result.TreeName, Endpoint: result.EndpointURL,
		SizeBytes: result.SizeBytes, Events: result.Events,
		Command: a.proc.Command(), StartedAt: a.proc.StartedAt(),
	})
	return nil
}

// fail records a failed attempt. a is nil for orphans. outcome is refined to
// requeued when the entry goes back to the queue, except for timeouts.
func (d *Dispatcher) fail(ctx context.Context, e queue.Entry, a *tracked, wasStaged bool, outcome history.Outcome, reason string) error {
	var stderr string
	if a != nil {
		stderr = a.proc.Stderr(maxStderrBytes)
	}

	updated, err := d.store.Failed(e.URL, wasStaged)
	if err != nil {
		return fmt.Errorf("%w: failed %s: %v", ErrStoreCorrupt, e.URL, err)
	}

	var elapsed time.Duration
	attempt := history.Attempt{
		URL: e.URL, InstanceID: e.InstanceID, Failures: updated.Failures,
		Reason: reason, Stderr: stderr,
	}
	if a != nil {
		attempt.Command = a.proc.Command()
		attempt.StartedAt = a.proc.StartedAt()
		elapsed = d.release(e.InstanceID, a)
	}

	eventType := events.StageRequeued
	switch {
	case updated.Status == queue.StatusFailed:
		eventType = events.StageFailed
	case outcome != history.OutcomeTimedOut:
		outcome = history.OutcomeRequeued
	}
	if outcome == history.OutcomeTimedOut {
		d.events.Publish(events.StageTimedOut, events.StagePayload{
			URL: e.URL, InstanceID: e.InstanceID, Elapsed: elapsed,
		})
	}
	attempt.Outcome = outcome

	d.logger.Warn("staging failed",
		"url", e.URL, "instance_id", e.InstanceID, "reason", reason, "was_staged", wasStaged,
		"failures", updated.Failures, "status", updated.Status)
	d.events.Publish(eventType, events.StagePayload{
		URL: e.URL, InstanceID: e.InstanceID, Failures: updated.Failures,
		Reason: reason, Elapsed: elapsed,
	})
	d.record(ctx, attempt)
	return nil
}

// release cleans a finished process and forgets it.
func (d *Dispatcher) release(id uint32, a *tracked) time.Duration {
	elapsed := d.now().Sub(a.proc.StartedAt())
	if err := a.proc.Cleanup(); err != nil {
		d.logger.Warn("failed to clean helper files", "url", a.url, "instance_id", id, "error", err)
	}
	delete(d.active, id)
	return elapsed
}

// fill starts queued entries in rank order until MaxParallel processes are
// tracked.
func (d *Dispatcher) fill(ctx context.Context) error {
	free := d.settings.MaxParallel - len(d.active)
	if free <= 0 {
		return nil
	}

	for _, e := range d.store.QueryByStatus(queue.StatusQueued, free) {
		if ctx.Err() != nil {
			return nil
		}
		logger := d.logger.With("url", e.URL, "instance_id", e.InstanceID)

		tree := e.TreeName
		if tree == "" {
			tree = d.settings.DefaultTree
		}
		cmdline := Expand(d.settings.Command, e.URL, tree)

		proc, err := d.spawner.Spawn(cmdline, e.InstanceID)
		if err != nil {
			logger.Error("failed to create helper", "error", err)
			d.launchFailed(ctx, e, cmdline, err)
			continue
		}
		attaching := false
		if err := proc.Run(ctx); err != nil {
			if !errors.Is(err, command.ErrPidfileTimeout) {
				logger.Error("failed to launch helper", "error", err)
				if cerr := proc.Cleanup(); cerr != nil {
					logger.Warn("failed to clean helper files", "error", cerr)
				}
				d.launchFailed(ctx, e, cmdline, err)
				continue
			}
			// The command was launched; it holds its slot until the pid shows up.
			logger.Warn("helper has not reported a pid yet", "error", err)
			attaching = true
		}

		if err := d.store.SetStatus(e.URL, queue.StatusRunning); err != nil {
			return fmt.Errorf("%w: start %s: %v", ErrStoreCorrupt, e.URL, err)
		}
		a := &tracked{proc: proc, url: e.URL, tree: tree, attaching: attaching}
		d.active[e.InstanceID] = a
		if !attaching {
			d.started(e, a, logger)
		}
	}
	return nil
}

func (d *Dispatcher) started(e queue.Entry, a *tracked, logger *slog.Logger) {
	logger.Info("staging started", "pid", a.proc.PID(), "tree", a.tree)
	d.events.Publish(events.StageStarted, events.StagePayload{
		URL: e.URL, InstanceID: e.InstanceID, Tree: a.tree, PID: a.proc.PID(),
	})
}

func (d *Dispatcher) launchFailed(ctx context.Context, e queue.Entry, cmdline string, err error) {
	d.record(ctx, history.Attempt{
		URL: e.URL, InstanceID: e.InstanceID, Outcome: history.OutcomeLaunchFailed,
		Failures: e.Failures, Reason: err.Error(), Command: cmdline,
	})
}

func (d *Dispatcher) record(ctx context.Context, a history.Attempt) {
	if d.recorder == nil {
		return
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = d.now()
	}
	// The attempt already happened; record it even while shutting down.
	if err := d.recorder.Record(context.WithoutCancel(ctx), a); err != nil {
		d.logger.Warn("failed to record history", "url", a.URL, "error", err)
	}
}

func (d *Dispatcher) activeIDs() []uint32 {
	ids := make([]uint32, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
