package command

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	DefaultPidfileTimeout = 10 * time.Second
	DefaultPollInterval   = time.Millisecond
	DefaultShell          = "/bin/sh"
)

var ErrMissingConfig = errors.New("command supervisor is not configured")

// Config is the process-wide supervisor configuration. It is built once at
// startup and shared by pointer with every Instance.
type Config struct {
	// HelperPath is the detaching launcher invoked as
	// <helper> -p <pidfile> -o <stdout> -e <stderr> <command...>.
	HelperPath string
	// TempDir holds the per-instance pid, stdout and stderr files.
	TempDir string
	// PidfileTimeout bounds the wait for the helper to write the pidfile.
	PidfileTimeout time.Duration
	// PollInterval is the pidfile polling period.
	PollInterval time.Duration
	// Shell interprets the command line. Defaults to /bin/sh.
	Shell string
}

// Validate checks that the helper is an executable file and that the temp dir
// exists or can be created. A failure here is a fatal configuration error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrMissingConfig
	}
	if c.HelperPath == "" {
		return fmt.Errorf("%w: helper path is empty", ErrMissingConfig)
	}
	if c.TempDir == "" {
		return fmt.Errorf("%w: temp dir is empty", ErrMissingConfig)
	}

	info, err := os.Stat(c.HelperPath)
	if err != nil {
		return fmt.Errorf("helper %q: %w", c.HelperPath, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("helper %q is not an executable file", c.HelperPath)
	}

	if err := os.MkdirAll(c.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	return nil
}

func (c *Config) pidfileTimeout() time.Duration {
	if c.PidfileTimeout > 0 {
		return c.PidfileTimeout
	}
	return DefaultPidfileTimeout
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

func (c *Config) shell() string {
	if c.Shell != "" {
		return c.Shell
	}
	return DefaultShell
}
