// Package e2e runs the daemon against real helper processes.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagerd/internal/config"
	"github.com/mattjoyce/stagerd/internal/daemon"
	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/queue"
)

// shellHelper follows the stage-launch contract with plain sh.
const shellHelper = `#!/bin/sh
while getopts p:o:e: opt; do
  case $opt in
    p) pidf=$OPTARG ;;
    o) outf=$OPTARG ;;
    e) errf=$OPTARG ;;
  esac
done
shift $((OPTIND-1))
"$@" >"$outf" 2>"$errf" </dev/null &
echo $! >"$pidf"
`

// stageScript succeeds for every URL except those containing "bad".
const stageScript = `#!/bin/sh
case "$1" in
  *bad*) echo "FAIL Reason: unreachable"; echo "cannot reach $1" >&2; exit 1 ;;
esac
echo "staging $1"
echo "OK EndpointUrl: root://store/$(basename "$1") Tree: $2 Size: 4096 Events: 3"
`

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func writeExecutable(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func stagingConfig(t *testing.T, helper string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	script := writeExecutable(t, filepath.Join(dir, "stage.sh"), stageScript)

	cfg := config.Defaults()
	cfg.Service.TickInterval = 20 * time.Millisecond
	cfg.Service.LockPath = filepath.Join(dir, "stagerd.lock")
	cfg.Staging.MaxParallel = 2
	cfg.Staging.MaxFailures = 2
	cfg.Staging.Command = "/bin/sh " + script + " $URLTOSTAGE $TREENAME"
	cfg.Staging.DefaultTree = "main"
	cfg.Supervisor.HelperPath = helper
	cfg.Supervisor.TempDir = filepath.Join(dir, "tmp")
	cfg.Supervisor.PidfileTimeout = 5 * time.Second
	cfg.History.Path = filepath.Join(dir, "history.db")
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runStaging stages two good URLs and one bad one to completion.
func runStaging(t *testing.T, cfg *config.Config) {
	t.Helper()

	d, err := daemon.New(context.Background(), cfg, daemon.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	urls := []string{
		"https://example.test/data/a.root",
		"https://example.test/data/b.root",
		"https://example.test/bad/c.root",
	}
	for _, u := range urls {
		_, created := d.Enqueue(u, "")
		require.True(t, created)
	}

	store := d.Store()
	require.Eventually(t, func() bool {
		s := store.Summary()
		return s.Success == 2 && s.Failed == 1
	}, 20*time.Second, 20*time.Millisecond)

	// The attempt is recorded last, after scratch files are removed.
	require.Eventually(t, func() bool {
		all, err := d.History().Recent(context.Background(), "", 10)
		return err == nil && len(all) == 4
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	a, ok := store.Lookup(urls[0])
	require.True(t, ok)
	assert.Equal(t, queue.StatusSuccess, a.Status)
	assert.Equal(t, "root://store/a.root", a.EndpointURL)
	assert.Equal(t, "main", a.ResultTree)
	assert.Equal(t, uint64(4096), a.SizeBytes)
	assert.Equal(t, uint64(3), a.Events)
	assert.Zero(t, a.Failures)

	bad, ok := store.Lookup(urls[2])
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, bad.Status)
	assert.Equal(t, 2, bad.Failures)
	assert.Zero(t, store.Summary().Running)

	attempts, err := d.History().Recent(context.Background(), urls[2], 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, history.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, history.OutcomeRequeued, attempts[1].Outcome)
	assert.Equal(t, "unreachable", attempts[0].Reason)
	assert.Contains(t, attempts[0].Stderr, "cannot reach")

	seen := map[string]int{}
	for _, ev := range d.Hub().SnapshotSince(0) {
		seen[ev.Type]++
	}
	assert.Equal(t, 3, seen[events.StageQueued])
	assert.Equal(t, 2, seen[events.StageSucceeded])
	assert.Equal(t, 1, seen[events.StageRequeued])
	assert.Equal(t, 1, seen[events.StageFailed])

	entries, err := os.ReadDir(cfg.Supervisor.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files are removed after each attempt")
}

func TestStaging_ShellHelper(t *testing.T) {
	helper := writeExecutable(t, filepath.Join(t.TempDir(), "helper.sh"), shellHelper)
	runStaging(t, stagingConfig(t, helper))
}

func TestStaging_StageLaunch(t *testing.T) {
	if testing.Short() {
		t.Skip("builds cmd/stage-launch")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}

	helper := filepath.Join(t.TempDir(), "stage-launch")
	build := exec.Command(goBin, "build", "-o", helper, "./cmd/stage-launch")
	build.Dir = repoRoot(t)
	out, err := build.CombinedOutput()
	require.NoError(t, err, string(out))

	runStaging(t, stagingConfig(t, helper))
}
