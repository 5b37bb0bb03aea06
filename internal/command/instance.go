package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/stagerd/internal/log"
	"github.com/mattjoyce/stagerd/internal/protocol"
)

const (
	// maxStderrBytes caps the stderr tail kept for logs and history.
	maxStderrBytes = 64 * 1024

	// helperWaitDelay bounds how long Run keeps reading the helper's own
	// output after it exits, in case the detached command inherited it.
	helperWaitDelay = time.Second
)

var (
	ErrLaunchFailed = errors.New("helper launch failed")
	// ErrPidfileTimeout means the helper launched the command but its pid did
	// not show up in time. The command may be alive; see Attach.
	ErrPidfileTimeout = errors.New("timed out waiting for pidfile")
	ErrAlreadyStarted = errors.New("instance already started")
)

// Instance supervises one detached staging command.
type Instance struct {
	cfg     *Config
	id      uint32
	cmdline string

	pidPath string
	outPath string
	errPath string

	launched  bool
	pid       int
	startedAt time.Time
	result    *protocol.Result
	logger    *slog.Logger
}

// New prepares an instance for cmdline. An id of 0 draws a random one that has
// no pidfile in the temp dir.
func New(cfg *Config, cmdline string, id uint32) (*Instance, error) {
	if cfg == nil || cfg.HelperPath == "" || cfg.TempDir == "" {
		return nil, ErrMissingConfig
	}
	if strings.TrimSpace(cmdline) == "" {
		return nil, fmt.Errorf("command line is empty")
	}

	if id == 0 {
		id = freeID(cfg.TempDir)
	}

	base := filepath.Join(cfg.TempDir, "stagerd-"+strconv.FormatUint(uint64(id), 10))
	return &Instance{
		cfg:     cfg,
		id:      id,
		cmdline: cmdline,
		pidPath: base + ".pid",
		outPath: base + ".out",
		errPath: base + ".err",
		logger:  log.WithComponent("command").With("instance_id", id),
	}, nil
}

func freeID(dir string) uint32 {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		pidPath := filepath.Join(dir, "stagerd-"+strconv.FormatUint(uint64(id), 10)+".pid")
		if _, err := os.Stat(pidPath); errors.Is(err, os.ErrNotExist) {
			return id
		}
	}
}

func (i *Instance) ID() uint32           { return i.id }
func (i *Instance) PID() int             { return i.pid }
func (i *Instance) Command() string      { return i.cmdline }
func (i *Instance) StartedAt() time.Time { return i.startedAt }
func (i *Instance) PidPath() string      { return i.pidPath }
func (i *Instance) OutPath() string      { return i.outPath }
func (i *Instance) ErrPath() string      { return i.errPath }

// Run launches the command through the helper and waits, bounded by the
// configured pidfile timeout, until the helper reports the command's pid.
// An error wrapping ErrPidfileTimeout leaves the instance launched: the
// caller must keep it and call Attach until the pid appears.
func (i *Instance) Run(ctx context.Context) error {
	if i.launched {
		return ErrAlreadyStarted
	}
	if err := i.Cleanup(); err != nil {
		return fmt.Errorf("remove stale files: %w", err)
	}

	cmd := exec.CommandContext(ctx, i.cfg.HelperPath,
		"-p", i.pidPath,
		"-o", i.outPath,
		"-e", i.errPath,
		i.cfg.shell(), "-c", i.cmdline,
	)
	var helperOut bytes.Buffer
	cmd.Stdout = &helperOut
	cmd.Stderr = &helperOut
	cmd.WaitDelay = helperWaitDelay

	i.logger.Debug("launching helper", "helper", i.cfg.HelperPath, "command", i.cmdline)
	err := cmd.Run()
	switch {
	case errors.Is(err, exec.ErrWaitDelay):
		// The helper exited 0 but left its output open to the command.
		i.logger.Warn("helper output still held by the command", "helper", i.cfg.HelperPath)
	case err != nil:
		return fmt.Errorf("%w: %v: %s", ErrLaunchFailed, err, strings.TrimSpace(helperOut.String()))
	}
	i.launched = true
	i.startedAt = time.Now()

	pid, err := i.waitPidfile(ctx)
	if err != nil {
		return err
	}
	i.pid = pid
	i.logger.Debug("command started", "pid", pid)
	return nil
}

// Attach rereads the pidfile of an instance whose Run gave up waiting for
// it. It reports whether the command's pid is known.
func (i *Instance) Attach() bool {
	if i.pid != 0 {
		return true
	}
	if !i.launched {
		return false
	}
	pid, ok := readPid(i.pidPath)
	if !ok {
		return false
	}
	i.pid = pid
	i.logger.Info("command reported its pid late", "pid", pid, "after", time.Since(i.startedAt))
	return true
}

func (i *Instance) waitPidfile(ctx context.Context) (int, error) {
	deadline := time.NewTimer(i.cfg.pidfileTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(i.cfg.pollInterval())
	defer ticker.Stop()

	for {
		if pid, ok := readPid(i.pidPath); ok {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %w", ErrPidfileTimeout, ctx.Err())
		case <-deadline.C:
			return 0, fmt.Errorf("%w %s after %v", ErrPidfileTimeout, i.pidPath, i.cfg.pidfileTimeout())
		case <-ticker.C:
		}
	}
}

func readPid(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// IsRunning checks the tracked pid with signal 0.
func (i *Instance) IsRunning() bool {
	if i.pid <= 0 {
		return false
	}
	err := unix.Kill(i.pid, 0)
	switch {
	case err == nil:
		return !isZombie(i.pid)
	case errors.Is(err, unix.EPERM):
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM, waits up to grace for the command to exit, then sends
// SIGKILL. Stopping a command that is not running is a no-op.
func (i *Instance) Stop(grace time.Duration) error {
	if !i.IsRunning() {
		return nil
	}

	i.logger.Info("stopping command", "pid", i.pid, "grace", grace)
	if err := i.Terminate(); err != nil {
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !i.IsRunning() {
			return nil
		}
		time.Sleep(min(10*time.Millisecond, time.Until(deadline)))
	}
	if !i.IsRunning() {
		return nil
	}

	i.logger.Warn("command did not exit after SIGTERM, sending SIGKILL", "pid", i.pid)
	return i.Kill()
}

// Terminate sends SIGTERM and returns without waiting.
func (i *Instance) Terminate() error {
	if i.pid <= 0 {
		return nil
	}
	if err := i.signal(unix.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}
	return nil
}

// Kill sends SIGKILL and returns without waiting.
func (i *Instance) Kill() error {
	if i.pid <= 0 {
		return nil
	}
	if err := i.signal(unix.SIGKILL); err != nil {
		return fmt.Errorf("send SIGKILL: %w", err)
	}
	return nil
}

// signal targets the command's process group first, since the helper starts
// it as a session leader, and falls back to the pid alone.
func (i *Instance) signal(sig unix.Signal) error {
	if err := unix.Kill(-i.pid, sig); err == nil {
		return nil
	}
	err := unix.Kill(i.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Output parses the stdout file once and caches the result. A missing or
// empty file gives a non-OK result without fields.
func (i *Instance) Output() (protocol.Result, error) {
	if i.result != nil {
		return *i.result, nil
	}
	res, err := protocol.ParseFile(i.outPath)
	if err != nil {
		return protocol.Result{}, err
	}
	i.result = &res
	return res, nil
}

func (i *Instance) cached() protocol.Result {
	if i.result == nil {
		return protocol.Result{}
	}
	return *i.result
}

// FieldUint returns an output field as uint64, 0 when absent.
func (i *Instance) FieldUint(key string) uint64 { return i.cached().Uint(key) }

// FieldInt returns an output field as int64, 0 when absent.
func (i *Instance) FieldInt(key string) int64 { return i.cached().Int(key) }

// FieldReal returns an output field as float64, 0 when absent.
func (i *Instance) FieldReal(key string) float64 { return i.cached().Real(key) }

// FieldText returns an output field; ok is false when absent.
func (i *Instance) FieldText(key string) (string, bool) { return i.cached().Text(key) }

// Stderr returns up to max trailing bytes of the command's stderr file.
func (i *Instance) Stderr(max int) string {
	if max <= 0 || max > maxStderrBytes {
		max = maxStderrBytes
	}
	f, err := os.Open(i.errPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > int64(max) {
		if _, err := f.Seek(-int64(max), io.SeekEnd); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(io.LimitReader(f, int64(max)))
	if err != nil {
		return ""
	}
	return string(b)
}

// Cleanup removes the pid, stdout and stderr files. Missing files are fine.
// Only call it once IsRunning is false.
func (i *Instance) Cleanup() error {
	var errs []error
	for _, p := range []string{i.pidPath, i.outPath, i.errPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the command if it is still running and removes its files.
func (i *Instance) Close() error {
	return errors.Join(i.Stop(0), i.Cleanup())
}
