package launcher

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	opts, err := ParseArgs([]string{"-p", "/t/x.pid", "-o", "/t/x.out", "-e", "/t/x.err", "/bin/sh", "-c", "echo -p"})
	require.NoError(t, err)
	assert.Equal(t, "/t/x.pid", opts.PidFile)
	assert.Equal(t, "/t/x.out", opts.Stdout)
	assert.Equal(t, "/t/x.err", opts.Stderr)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo -p"}, opts.Args)
}

func TestParseArgsErrors(t *testing.T) {
	cases := map[string][]string{
		"no pidfile": {"-o", "o", "-e", "e", "true"},
		"no stdout":  {"-p", "p", "-e", "e", "true"},
		"no stderr":  {"-p", "p", "-o", "o", "true"},
		"no command": {"-p", "p", "-o", "o", "-e", "e"},
		"bad flag":   {"-x", "-p", "p", "-o", "o", "-e", "e", "true"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestLaunchWritesChildPid(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		PidFile: filepath.Join(dir, "c.pid"),
		Stdout:  filepath.Join(dir, "c.out"),
		Stderr:  filepath.Join(dir, "c.err"),
		Args:    []string{"/bin/sh", "-c", "echo OK Size: 5; echo warn >&2"},
	}

	pid, err := Launch(opts)
	require.NoError(t, err)
	assert.Positive(t, pid)
	assert.NotEqual(t, os.Getpid(), pid)

	b, err := os.ReadFile(opts.PidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(pid), strings.TrimSpace(string(b)))

	require.Eventually(t, func() bool {
		out, _ := os.ReadFile(opts.Stdout)
		return strings.Contains(string(out), "OK Size: 5")
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		out, _ := os.ReadFile(opts.Stderr)
		return strings.Contains(string(out), "warn")
	}, 5*time.Second, 10*time.Millisecond)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".c.pid.*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLaunchMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	_, err := Launch(Options{
		PidFile: filepath.Join(dir, "c.pid"),
		Stdout:  filepath.Join(dir, "c.out"),
		Stderr:  filepath.Join(dir, "c.err"),
		Args:    []string{filepath.Join(dir, "does-not-exist")},
	})
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "c.pid"))
}
