package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// networkFilesystems are the filesystem names on which SQLite locking and
// pidfile polling cannot be trusted.
var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// Filesystem describes where a path lives.
type Filesystem struct {
	// Inspected is the path that was examined: the path itself or its nearest
	// existing ancestor.
	Inspected string
	Type      string
	Network   bool
}

// InspectFilesystem reports the filesystem holding path. A path that does
// not exist yet is judged by its nearest existing ancestor.
func InspectFilesystem(path string) (Filesystem, error) {
	return inspectFilesystem(path, detectFilesystemType)
}

func inspectFilesystem(path string, detect func(string) (string, error)) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, fmt.Errorf("path is empty")
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return Filesystem{}, fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	return Filesystem{Inspected: existing, Type: fsType, Network: isNetworkFilesystem(fsType)}, nil
}

// requireLocalHistory rejects a history database on a network filesystem.
func requireLocalHistory(path string, detect func(string) (string, error)) error {
	fs, err := inspectFilesystem(path, detect)
	if err != nil {
		return err
	}
	if fs.Network {
		return fmt.Errorf(
			"history database %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Set history.path (or STAGERD_HISTORY_PATH) to a local file",
			path, fs.Type)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
