// Package launcher is the detaching helper used by the command supervisor:
//
//	stage-launch -p <pidfile> -o <stdout> -e <stderr> <command...>
//
// It starts the command in its own session with output redirected, writes the
// command's pid to the pidfile and returns without waiting, so the command
// outlives the process that asked for it.
package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
)

// Options are the parsed launcher arguments.
type Options struct {
	PidFile string
	Stdout  string
	Stderr  string
	Args    []string
}

// ParseArgs parses launcher arguments. Flags stop at the first non-flag word,
// so the command's own flags pass through untouched.
func ParseArgs(args []string) (Options, error) {
	var opts Options

	fs := pflag.NewFlagSet("stage-launch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVarP(&opts.PidFile, "pidfile", "p", "", "file receiving the command pid")
	fs.StringVarP(&opts.Stdout, "stdout", "o", "", "file receiving the command stdout")
	fs.StringVarP(&opts.Stderr, "stderr", "e", "", "file receiving the command stderr")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	opts.Args = fs.Args()

	switch {
	case opts.PidFile == "":
		return Options{}, errors.New("missing -p <pidfile>")
	case opts.Stdout == "":
		return Options{}, errors.New("missing -o <stdout>")
	case opts.Stderr == "":
		return Options{}, errors.New("missing -e <stderr>")
	case len(opts.Args) == 0:
		return Options{}, errors.New("missing command")
	}
	return opts, nil
}

// Usage describes the command line.
func Usage() string {
	return "usage: stage-launch -p <pidfile> -o <stdout> -e <stderr> <command> [args...]"
}

// Launch starts the command detached and returns its pid once the pidfile is
// written.
func Launch(opts Options) (int, error) {
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	stdout, err := openOutput(opts.Stdout)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()

	stderr, err := openOutput(opts.Stderr)
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	cmd := exec.Command(opts.Args[0], opts.Args[1:]...)
	cmd.Stdin = devnull
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", opts.Args[0], err)
	}
	pid := cmd.Process.Pid

	if err := writePidfile(opts.PidFile, pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}
	if err := cmd.Process.Release(); err != nil {
		return 0, fmt.Errorf("release process: %w", err)
	}
	return pid, nil
}

func openOutput(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return f, nil
}

// writePidfile writes via a temp file and rename, so readers never see a
// partial pid.
func writePidfile(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create pidfile: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pidfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close pidfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename pidfile: %w", err)
	}
	return nil
}
