// Package lock keeps a single stagerd daemon per lock file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// PIDLock is an exclusive flock(2) on a file that also records the owner's
// PID. The lock lives as long as the handle is not released.
type PIDLock struct {
	fl *flock.Flock
}

// AcquirePIDLock takes the lock at lockPath without blocking and writes the
// current PID into it.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if pid, err := ReadPID(lockPath); err == nil {
			return nil, fmt.Errorf("%w (pid %d): %s", ErrLocked, pid, lockPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
	}

	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(lockPath, []byte(pid), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &PIDLock{fl: fl}, nil
}

func (l *PIDLock) Path() string { return l.fl.Path() }

// Release drops the lock. The file is left in place; its content is stale
// once no one holds the lock.
func (l *PIDLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}

// ReadPID returns the PID recorded in the lock file.
func ReadPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock file %s has no pid", lockPath)
	}
	return pid, nil
}

// Held reports whether some process currently holds the lock at lockPath.
// A missing file is not held.
func Held(lockPath string) (bool, error) {
	if _, err := os.Stat(lockPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("test lock: %w", err)
	}
	if ok {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}
