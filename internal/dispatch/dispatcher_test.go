package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagerd/internal/command"
	"github.com/mattjoyce/stagerd/internal/config"
	"github.com/mattjoyce/stagerd/internal/dispatch/mocks"
	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/protocol"
	"github.com/mattjoyce/stagerd/internal/queue"
)

func newTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

// fakeProc is a Process whose state the test drives directly.
type fakeProc struct {
	cmdline string
	runErr  error
	running bool
	// pidLate keeps Attach failing, as for a pidfile that has not appeared.
	pidLate    bool
	ignoreTerm bool
	killErr    error
	result     protocol.Result
	started    time.Time
	stopped    []time.Duration
	terminated int
	killed     int
	cleaned    int
}

func (p *fakeProc) Run(context.Context) error { return p.runErr }
func (p *fakeProc) Attach() bool              { return !p.pidLate }
func (p *fakeProc) IsRunning() bool           { return p.running }
func (p *fakeProc) Terminate() error {
	p.terminated++
	if !p.ignoreTerm {
		p.running = false
	}
	return nil
}
func (p *fakeProc) Kill() error {
	if p.killErr != nil {
		return p.killErr
	}
	p.killed++
	p.running = false
	return nil
}
func (p *fakeProc) Stop(grace time.Duration) error {
	p.stopped = append(p.stopped, grace)
	p.running = false
	return nil
}
func (p *fakeProc) Output() (protocol.Result, error) { return p.result, nil }
func (p *fakeProc) Stderr(int) string                { return "stderr tail" }
func (p *fakeProc) Cleanup() error                   { p.cleaned++; return nil }
func (p *fakeProc) PID() int                         { return 4242 }
func (p *fakeProc) Command() string                  { return p.cmdline }
func (p *fakeProc) StartedAt() time.Time             { return p.started }

func (p *fakeProc) finish(ok bool, kv ...string) {
	p.running = false
	p.result = protocol.Result{OK: ok, Found: true, Fields: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		p.result.Fields[kv[i]] = kv[i+1]
	}
}

type fakeSpawner struct {
	now      time.Time
	byID     map[uint32]*fakeProc
	cmdlines []string
	runErr   map[string]error
}

func newFakeSpawner(now time.Time) *fakeSpawner {
	return &fakeSpawner{now: now, byID: map[uint32]*fakeProc{}, runErr: map[string]error{}}
}

func (s *fakeSpawner) Spawn(cmdline string, id uint32) (Process, error) {
	runErr := s.runErr[cmdline]
	p := &fakeProc{
		cmdline: cmdline, running: true, started: s.now, runErr: runErr,
		pidLate: errors.Is(runErr, command.ErrPidfileTimeout),
	}
	s.byID[id] = p
	s.cmdlines = append(s.cmdlines, cmdline)
	return p, nil
}

func (s *fakeSpawner) proc(t *testing.T, store *queue.Store, url string) *fakeProc {
	t.Helper()
	e, ok := store.Lookup(url)
	require.True(t, ok, "entry %s", url)
	p, ok := s.byID[e.InstanceID]
	require.True(t, ok, "no process spawned for %s", url)
	return p
}

func testSettings(n int) Settings {
	return Settings{
		MaxParallel:  n,
		TickInterval: 10 * time.Millisecond,
		Command:      "stage $URLTOSTAGE",
		Timeout:      time.Hour,
		StopGrace:    time.Second,
	}
}

type harness struct {
	store   *queue.Store
	spawner *fakeSpawner
	disp    *Dispatcher
	hub     *events.Hub
	now     time.Time
}

func newHarness(t *testing.T, n, maxFailures int, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: queue.New(queue.Options{MaxFailures: maxFailures}),
		hub:   events.NewHub(64),
		now:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	h.spawner = newFakeSpawner(h.now)
	logger, _ := newTestSlogger()
	base := []Option{
		WithLogger(logger),
		WithPublisher(h.hub),
		WithClock(func() time.Time { return h.now }),
	}
	h.disp = New(h.store, h.spawner, testSettings(n), append(base, opts...)...)
	return h
}

func (h *harness) tick(t *testing.T) queue.Summary {
	t.Helper()
	sum, err := h.disp.Tick(context.Background())
	require.NoError(t, err)
	return sum
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, ev := range h.hub.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestTickIdleIsNoop(t *testing.T) {
	h := newHarness(t, 4, 5)
	sum := h.tick(t)
	assert.Equal(t, queue.Summary{}, sum)
	assert.Empty(t, h.spawner.cmdlines)
	assert.Empty(t, h.hub.SnapshotSince(0))
}

func TestTickFillsInRankOrderUpToMaxParallel(t *testing.T) {
	h := newHarness(t, 2, 5)
	for _, u := range []string{"u1", "u2", "u3"} {
		h.store.Insert(u)
	}

	sum := h.tick(t)
	assert.Equal(t, 2, sum.Running)
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, []string{"stage u1", "stage u2"}, h.spawner.cmdlines)
	assert.Equal(t, 2, h.disp.Active())

	// Still running: nothing changes.
	sum = h.tick(t)
	assert.Equal(t, 2, sum.Running)
	assert.Len(t, h.spawner.cmdlines, 2)
}

func TestTickSingleSlotNeverRunsTwo(t *testing.T) {
	h := newHarness(t, 1, 5)
	for _, u := range []string{"a", "b", "c"} {
		h.store.Insert(u)
	}

	for i := 0; i < 10; i++ {
		sum := h.tick(t)
		require.LessOrEqual(t, sum.Running, 1, "tick %d", i)
		require.LessOrEqual(t, h.disp.Active(), 1, "tick %d", i)
		for _, e := range h.store.QueryByStatus(queue.StatusRunning, 0) {
			h.spawner.byID[e.InstanceID].finish(true)
		}
	}

	assert.Equal(t, []string{"stage a", "stage b", "stage c"}, h.spawner.cmdlines)
	assert.Equal(t, 3, h.store.Summary().Success)
}

func TestTickSuccessAppliesResult(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.store.Insert("root://src//f.root")
	h.tick(t)

	p := h.spawner.proc(t, h.store, "root://src//f.root")
	p.finish(true, "Tree", "Events", "EndpointUrl", "root://cache//f.root", "Size", "2048", "Events", "77")
	h.now = h.now.Add(time.Minute)

	sum := h.tick(t)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 0, h.disp.Active())
	assert.Equal(t, 1, p.cleaned)

	e, _ := h.store.Lookup("root://src//f.root")
	assert.Equal(t, queue.StatusSuccess, e.Status)
	assert.True(t, e.Staged)
	assert.Equal(t, "root://cache//f.root", e.EndpointURL)
	assert.Equal(t, "Events", e.ResultTree)
	assert.Equal(t, uint64(2048), e.SizeBytes)
	assert.Equal(t, uint64(77), e.Events)

	assert.Equal(t, []string{events.StageStarted, events.StageSucceeded}, h.eventTypes())
}

func TestTickFailureReasonDecidesWasStaged(t *testing.T) {
	h := newHarness(t, 3, 5)
	for _, u := range []string{"not-staged", "partial", "silent"} {
		h.store.Insert(u)
	}
	h.tick(t)

	h.spawner.proc(t, h.store, "not-staged").finish(false, "Reason", ReasonNotStaged)
	h.spawner.proc(t, h.store, "partial").finish(false, "Reason", "disk_full")
	silent := h.spawner.proc(t, h.store, "silent")
	silent.running = false // exited without a result line

	h.tick(t)

	cases := map[string]bool{"not-staged": false, "partial": true, "silent": true}
	for url, staged := range cases {
		e, ok := h.store.Lookup(url)
		require.True(t, ok)
		assert.Equal(t, 1, e.Failures, url)
		assert.Equal(t, staged, e.Staged, url)
	}
	assert.Equal(t, 1, silent.cleaned)
}

func TestTickRequeuesBehindWaitingWork(t *testing.T) {
	h := newHarness(t, 1, 5)
	for _, u := range []string{"flaky", "next"} {
		h.store.Insert(u)
	}
	h.tick(t)
	h.spawner.proc(t, h.store, "flaky").finish(false)

	h.tick(t)

	// The failed entry went to the tail, so "next" got the free slot.
	assert.Equal(t, []string{"stage flaky", "stage next"}, h.spawner.cmdlines)
	flaky, _ := h.store.Lookup("flaky")
	assert.Equal(t, queue.StatusQueued, flaky.Status)
	assert.Contains(t, h.eventTypes(), events.StageRequeued)
}

func TestTickThresholdMarksFailed(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.store.Insert("u")
	h.tick(t)
	h.spawner.proc(t, h.store, "u").finish(false, "Reason", "bad")

	sum := h.tick(t)
	assert.Equal(t, 1, sum.Failed)
	assert.Len(t, h.spawner.cmdlines, 1)
	assert.Contains(t, h.eventTypes(), events.StageFailed)
}

func TestTickTemplateUsesEntryTreeOrDefault(t *testing.T) {
	h := newHarness(t, 2, 5)
	h.disp.settings.Command = "fetch --tree $TREENAME"
	h.disp.settings.DefaultTree = "Events"
	h.store.CondInsert("with-tree", "Muons")
	h.store.Insert("no-tree")

	h.tick(t)
	assert.Equal(t, []string{"fetch --tree Muons with-tree", "fetch --tree Events no-tree"}, h.spawner.cmdlines)
}

func TestTickLaunchFailureLeavesQueued(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rec := mocks.NewMockRecorder(ctrl)
	var got history.Attempt
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a history.Attempt) error {
		got = a
		return nil
	})

	h := newHarness(t, 2, 5, WithRecorder(rec))
	h.spawner.runErr["stage bad"] = errors.New("helper exited 1")
	h.store.Insert("bad")

	sum := h.tick(t)
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, 0, sum.Running)
	assert.Equal(t, 0, h.disp.Active())

	e, _ := h.store.Lookup("bad")
	assert.Equal(t, 0, e.Failures)
	assert.Equal(t, 1, h.spawner.proc(t, h.store, "bad").cleaned)

	assert.Equal(t, history.OutcomeLaunchFailed, got.Outcome)
	assert.Equal(t, "bad", got.URL)
	assert.Equal(t, "stage bad", got.Command)
	assert.Contains(t, got.Reason, "helper exited 1")
}

func TestTickTimeoutTerminatesThenKills(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().Run(gomock.Any()).Return(nil)
	proc.EXPECT().PID().Return(99).AnyTimes()
	proc.EXPECT().Command().Return("stage slow").AnyTimes()
	proc.EXPECT().StartedAt().Return(start).AnyTimes()
	gomock.InOrder(
		proc.EXPECT().IsRunning().Return(true),
		proc.EXPECT().Terminate().Return(nil),
		proc.EXPECT().IsRunning().Return(true),
		proc.EXPECT().IsRunning().Return(true),
		proc.EXPECT().Kill().Return(nil),
		proc.EXPECT().IsRunning().Return(false),
		proc.EXPECT().Stderr(maxStderrBytes).Return("still copying"),
		proc.EXPECT().Cleanup().Return(nil),
	)

	rec := mocks.NewMockRecorder(ctrl)
	var got history.Attempt
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a history.Attempt) error {
		got = a
		return nil
	})
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil) // the failed respawn

	spawns := 0
	spawner := SpawnerFunc(func(cmdline string, id uint32) (Process, error) {
		spawns++
		if spawns > 1 {
			return nil, errors.New("no more")
		}
		return proc, nil
	})

	store := queue.New(queue.Options{MaxFailures: 5})
	store.Insert("slow")
	now := start
	logger, _ := newTestSlogger()
	settings := testSettings(1)
	settings.Timeout = time.Minute
	settings.StopGrace = 3 * time.Second
	d := New(store, spawner, settings, WithLogger(logger), WithRecorder(rec), WithClock(func() time.Time { return now }))

	tick := func(at time.Duration) queue.Summary {
		t.Helper()
		now = start.Add(at)
		sum, err := d.Tick(context.Background())
		require.NoError(t, err)
		return sum
	}

	tick(0)
	// Over the timeout: SIGTERM, then SIGKILL once the grace has passed. The
	// entry keeps its slot until the process is gone.
	for _, at := range []time.Duration{2 * time.Minute, 2*time.Minute + time.Second, 2*time.Minute + 3*time.Second} {
		sum := tick(at)
		assert.Equal(t, 1, sum.Running, "at %v", at)
		assert.Equal(t, 1, spawns, "at %v", at)
	}

	tick(2*time.Minute + 4*time.Second)
	e, _ := store.Lookup("slow")
	assert.Equal(t, queue.StatusQueued, e.Status)
	assert.Equal(t, 1, e.Failures)
	assert.False(t, e.Staged)
	assert.Equal(t, history.OutcomeTimedOut, got.Outcome)
	assert.Equal(t, "still copying", got.Stderr)
	assert.Equal(t, 2, spawns)
}

func TestTickTimeoutKeepsSlotUntilProcessGone(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.disp.settings.Timeout = time.Minute
	h.disp.settings.StopGrace = 0
	h.store.Insert("stuck")
	h.store.Insert("next")
	h.tick(t)

	p := h.spawner.proc(t, h.store, "stuck")
	p.ignoreTerm = true
	p.killErr = errors.New("operation not permitted")
	h.now = h.now.Add(2 * time.Minute)

	for i := 0; i < 3; i++ {
		sum := h.tick(t)
		require.Equal(t, 1, sum.Running, "tick %d", i)
		require.Equal(t, 1, sum.Queued, "tick %d", i)
	}
	assert.Equal(t, 1, p.terminated)
	assert.Zero(t, p.cleaned)
	assert.Equal(t, []string{"stage stuck"}, h.spawner.cmdlines)

	p.killErr = nil
	h.tick(t)
	assert.Equal(t, 1, p.killed)

	h.tick(t)
	assert.Equal(t, []string{"stage stuck", "stage next"}, h.spawner.cmdlines)
	e, _ := h.store.Lookup("stuck")
	assert.Equal(t, queue.StatusQueued, e.Status)
	assert.Equal(t, 1, e.Failures)
	assert.Equal(t, 1, p.cleaned)
	assert.Contains(t, h.eventTypes(), events.StageTimedOut)
}

func TestTickHoldsSlotForLatePid(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.spawner.runErr["stage slow-start"] = fmt.Errorf("%w after 50ms", command.ErrPidfileTimeout)
	h.store.Insert("slow-start")
	h.store.Insert("other")

	for i := 0; i < 3; i++ {
		sum := h.tick(t)
		require.Equal(t, 1, sum.Running, "tick %d", i)
		require.Equal(t, 1, sum.Queued, "tick %d", i)
	}
	assert.Equal(t, []string{"stage slow-start"}, h.spawner.cmdlines)
	assert.Equal(t, 1, h.disp.Active())
	assert.NotContains(t, h.eventTypes(), events.StageStarted)

	p := h.spawner.proc(t, h.store, "slow-start")
	assert.Zero(t, p.cleaned)

	p.pidLate = false
	h.tick(t)
	assert.Equal(t, []string{events.StageStarted}, h.eventTypes())

	p.finish(true, "EndpointUrl", "root://cache//f.root")
	sum := h.tick(t)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 1, sum.Running)
	assert.Equal(t, []string{"stage slow-start", "stage other"}, h.spawner.cmdlines)
	assert.Equal(t, 1, p.cleaned)
}

func TestTickGivesUpWhenPidNeverAppears(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.spawner.runErr["stage lost"] = command.ErrPidfileTimeout
	h.store.Insert("lost")
	h.tick(t)
	first := h.spawner.proc(t, h.store, "lost")

	h.now = h.now.Add(30 * time.Minute)
	sum := h.tick(t)
	assert.Equal(t, 1, sum.Running)
	assert.Len(t, h.spawner.cmdlines, 1)

	h.now = h.now.Add(time.Hour)
	h.tick(t)
	e, _ := h.store.Lookup("lost")
	assert.Equal(t, 1, e.Failures)
	assert.False(t, e.Staged)
	assert.Equal(t, 1, first.cleaned)
	assert.Len(t, h.spawner.cmdlines, 2)
	assert.Contains(t, h.eventTypes(), events.StageTimedOut)
}

func TestTickWithinTimeoutLeavesRunning(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.store.Insert("u")
	h.tick(t)
	h.now = h.now.Add(30 * time.Minute)

	sum := h.tick(t)
	assert.Equal(t, 1, sum.Running)
	assert.Empty(t, h.spawner.proc(t, h.store, "u").stopped)
}

func TestTickOrphanedEntryIsFailedNotStaged(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.store.Insert("orphan")
	require.NoError(t, h.store.SetStatus("orphan", queue.StatusRunning))

	sum := h.tick(t)
	assert.Equal(t, 1, sum.Failed)
	e, _ := h.store.Lookup("orphan")
	assert.False(t, e.Staged)
	assert.Empty(t, h.spawner.cmdlines)
}

func TestTickDetectsStoreCorruption(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.store.Insert("u")
	h.tick(t)

	// Only the dispatcher moves entries out of running.
	require.NoError(t, h.store.SetStatus("u", queue.StatusQueued))

	_, err := h.disp.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreCorrupt))
}

func TestReconfigureAppliesOnNextTick(t *testing.T) {
	h := newHarness(t, 1, 5)
	for _, u := range []string{"a", "b", "c"} {
		h.store.Insert(u)
	}
	h.tick(t)
	require.Len(t, h.spawner.cmdlines, 1)

	h.disp.Reconfigure([]config.Change{
		config.MaxParallelChanged{Old: 1, New: 3},
		config.MaxFailuresChanged{Old: 5, New: 0},
		config.CommandChanged{Old: "stage $URLTOSTAGE", New: "restage $URLTOSTAGE"},
		config.TimeoutChanged{Old: time.Hour, New: 0},
		config.RestartRequired{Setting: "api"},
	})
	assert.Len(t, h.spawner.cmdlines, 1, "changes must wait for the loop")

	sum := h.tick(t)
	assert.Equal(t, 3, sum.Running)
	assert.Equal(t, []string{"stage a", "restage b", "restage c"}, h.spawner.cmdlines)
	assert.Equal(t, 0, h.store.MaxFailures())
	assert.Equal(t, time.Duration(0), h.disp.Settings().Timeout)
}

func TestShutdownStopsTrackedProcesses(t *testing.T) {
	h := newHarness(t, 2, 5)
	h.store.Insert("a")
	h.store.Insert("b")
	h.tick(t)

	a := h.spawner.proc(t, h.store, "a")
	b := h.spawner.proc(t, h.store, "b")
	require.NoError(t, h.disp.Shutdown(2*time.Second))

	assert.Equal(t, []time.Duration{2 * time.Second}, a.stopped)
	assert.Equal(t, []time.Duration{2 * time.Second}, b.stopped)
	assert.Equal(t, 1, a.cleaned)
	assert.Equal(t, 0, h.disp.Active())
}

func TestStartReturnsWhenCancelled(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.store.Insert("u")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.disp.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, []string{"stage u"}, h.spawner.cmdlines)
}

func TestCommandSpawnerRejectsBadConfig(t *testing.T) {
	_, err := CommandSpawner{}.Spawn("true", 0)
	assert.ErrorIs(t, err, command.ErrMissingConfig)
}
