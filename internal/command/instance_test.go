package command

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// detachHelper mimics the launcher contract with plain sh: it backgrounds the
// command with redirected output and writes the command's pid.
const detachHelper = `#!/bin/sh
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

// lateHelper reports the command's pid only after a delay.
const lateHelper = `#!/bin/sh
while getopts p:o:e: opt; do
  case $opt in
    p) pidf=$OPTARG ;;
    o) outf=$OPTARG ;;
    e) errf=$OPTARG ;;
  esac
done
shift $((OPTIND-1))
(
  "$@" >"$outf" 2>"$errf" </dev/null &
  pid=$!
  sleep 0.3
  echo $pid >"$pidf"
) >/dev/null 2>&1 </dev/null &
`

// leakyHelper backgrounds the command without redirecting its output, so the
// command keeps the helper's stdout and stderr open.
const leakyHelper = `#!/bin/sh
while getopts p:o:e: opt; do
  case $opt in
    p) pidf=$OPTARG ;;
  esac
done
shift $((OPTIND-1))
"$@" &
echo $! >"$pidf"
`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func testConfig(t *testing.T, helperBody string) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		HelperPath:     writeScript(t, dir, "helper.sh", helperBody),
		TempDir:        filepath.Join(dir, "tmp"),
		PidfileTimeout: 5 * time.Second,
		PollInterval:   time.Millisecond,
	}
}

func runToCompletion(t *testing.T, inst *Instance) {
	t.Helper()
	require.NoError(t, inst.Run(context.Background()))
	require.Eventually(t, func() bool { return !inst.IsRunning() }, 10*time.Second, 10*time.Millisecond)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, "true", 1)
	assert.ErrorIs(t, err, ErrMissingConfig)

	_, err = New(&Config{TempDir: t.TempDir()}, "true", 1)
	assert.ErrorIs(t, err, ErrMissingConfig)

	_, err = New(&Config{HelperPath: "/bin/true", TempDir: t.TempDir()}, "  ", 1)
	assert.Error(t, err)
}

func TestNewGeneratesID(t *testing.T) {
	cfg := &Config{HelperPath: "/bin/true", TempDir: t.TempDir()}
	inst, err := New(cfg, "true", 0)
	require.NoError(t, err)
	assert.NotZero(t, inst.ID())
	assert.Equal(t, cfg.TempDir, filepath.Dir(inst.PidPath()))
	assert.True(t, strings.HasSuffix(inst.OutPath(), ".out"))
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()

	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrMissingConfig)
	assert.ErrorIs(t, (&Config{TempDir: dir}).Validate(), ErrMissingConfig)

	notExec := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))
	assert.Error(t, (&Config{HelperPath: notExec, TempDir: dir}).Validate())
	assert.Error(t, (&Config{HelperPath: filepath.Join(dir, "missing"), TempDir: dir}).Validate())

	helper := writeScript(t, dir, "helper.sh", detachHelper)
	tmp := filepath.Join(dir, "nested", "tmp")
	require.NoError(t, (&Config{HelperPath: helper, TempDir: tmp}).Validate())
	assert.DirExists(t, tmp)
}

func TestRunParsesOutput(t *testing.T) {
	cfg := testConfig(t, detachHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, `echo noise; echo "OK Size: 1024 EndpointUrl: root://x/y"; echo oops >&2`, 0)
	require.NoError(t, err)
	runToCompletion(t, inst)
	assert.Positive(t, inst.PID())

	res, err := inst.Output()
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(1024), inst.FieldUint("Size"))
	endpoint, ok := inst.FieldText("EndpointUrl")
	assert.True(t, ok)
	assert.Equal(t, "root://x/y", endpoint)
	assert.Equal(t, "oops\n", inst.Stderr(0))

	require.NoError(t, inst.Cleanup())
	assert.NoFileExists(t, inst.PidPath())
	assert.NoFileExists(t, inst.OutPath())
	assert.NoFileExists(t, inst.ErrPath())
	require.NoError(t, inst.Cleanup())
}

func TestRunWithoutResultLine(t *testing.T) {
	cfg := testConfig(t, detachHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "exit 3", 7)
	require.NoError(t, err)
	runToCompletion(t, inst)

	res, err := inst.Output()
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Empty(t, res.Fields)
	assert.Zero(t, inst.FieldReal("Size"))
	require.NoError(t, inst.Cleanup())
}

func TestRunLaunchFailure(t *testing.T) {
	cfg := testConfig(t, "#!/bin/sh\necho cannot detach >&2\nexit 1\n")
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "true", 0)
	require.NoError(t, err)
	err = inst.Run(context.Background())
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Contains(t, err.Error(), "cannot detach")
	assert.False(t, inst.IsRunning())
}

func TestRunPidfileTimeout(t *testing.T) {
	cfg := testConfig(t, "#!/bin/sh\nexit 0\n")
	cfg.PidfileTimeout = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "true", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, inst.Run(context.Background()), ErrPidfileTimeout)
}

func TestRunPidfileLateThenAttach(t *testing.T) {
	cfg := testConfig(t, lateHelper)
	cfg.PidfileTimeout = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "exec sleep 30", 0)
	require.NoError(t, err)
	require.ErrorIs(t, inst.Run(context.Background()), ErrPidfileTimeout)
	assert.False(t, inst.IsRunning())
	assert.ErrorIs(t, inst.Run(context.Background()), ErrAlreadyStarted)

	// The command runs anyway; the instance picks it up once the pid lands.
	require.Eventually(t, inst.Attach, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, inst.PID())
	assert.True(t, inst.IsRunning())

	require.NoError(t, inst.Stop(2*time.Second))
	require.Eventually(t, func() bool { return !inst.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, inst.Cleanup())
}

func TestAttachBeforeLaunch(t *testing.T) {
	inst, err := New(&Config{HelperPath: "/bin/true", TempDir: t.TempDir()}, "true", 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(inst.PidPath(), []byte("1\n"), 0o644))
	assert.False(t, inst.Attach())
}

func TestRunDoesNotWaitForInheritedOutput(t *testing.T) {
	cfg := testConfig(t, leakyHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "exec sleep 30", 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, inst.Run(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)
	require.True(t, inst.IsRunning())

	require.NoError(t, inst.Stop(2*time.Second))
	require.Eventually(t, func() bool { return !inst.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	_ = inst.Cleanup()
}

func TestRunHonoursContext(t *testing.T) {
	cfg := testConfig(t, "#!/bin/sh\nexit 0\n")
	cfg.PidfileTimeout = time.Minute
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	inst, err := New(cfg, "true", 0)
	require.NoError(t, err)
	assert.Error(t, inst.Run(ctx))
}

func TestRunTwice(t *testing.T) {
	cfg := testConfig(t, detachHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "true", 0)
	require.NoError(t, err)
	runToCompletion(t, inst)
	assert.ErrorIs(t, inst.Run(context.Background()), ErrAlreadyStarted)
	_ = inst.Cleanup()
}

func TestStopTerminatesCommand(t *testing.T) {
	cfg := testConfig(t, detachHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, "exec sleep 30", 0)
	require.NoError(t, err)
	require.NoError(t, inst.Run(context.Background()))
	require.True(t, inst.IsRunning())

	require.NoError(t, inst.Stop(2*time.Second))
	require.Eventually(t, func() bool { return !inst.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, inst.Stop(time.Second))
	require.NoError(t, inst.Cleanup())
}

func TestStopEscalatesToKill(t *testing.T) {
	cfg := testConfig(t, detachHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, `trap "" TERM; while :; do sleep 1; done`, 0)
	require.NoError(t, err)
	require.NoError(t, inst.Run(context.Background()))
	require.Eventually(t, inst.IsRunning, time.Second, 5*time.Millisecond)

	require.NoError(t, inst.Stop(100*time.Millisecond))
	require.Eventually(t, func() bool { return !inst.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	_ = inst.Cleanup()
}

func TestTerminateThenKillDoNotWait(t *testing.T) {
	cfg := testConfig(t, detachHelper)
	require.NoError(t, cfg.Validate())

	inst, err := New(cfg, `trap "" TERM; while :; do sleep 1; done`, 0)
	require.NoError(t, err)
	require.NoError(t, inst.Run(context.Background()))
	require.Eventually(t, inst.IsRunning, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, inst.Terminate())
	assert.Less(t, time.Since(start), time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, inst.IsRunning(), "TERM is ignored")

	require.NoError(t, inst.Kill())
	require.Eventually(t, func() bool { return !inst.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	_ = inst.Cleanup()
}

func TestStopNotStarted(t *testing.T) {
	inst, err := New(&Config{HelperPath: "/bin/true", TempDir: t.TempDir()}, "true", 0)
	require.NoError(t, err)
	assert.False(t, inst.IsRunning())
	assert.NoError(t, inst.Stop(time.Second))
	assert.NoError(t, inst.Terminate())
	assert.NoError(t, inst.Kill())
	assert.NoError(t, inst.Close())
}
