package queue

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var allStatuses = []Status{StatusQueued, StatusRunning, StatusSuccess, StatusFailed}

// Terminal reports whether s is success or failed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Entry is a snapshot of one staging request. Values returned by the Store are
// copies; mutating them has no effect on the queue.
type Entry struct {
	URL        string
	Status     Status
	Rank       int64
	Failures   int
	InstanceID uint32
	TreeName   string
	Staged     bool

	EndpointURL string
	ResultTree  string
	Events      uint64
	SizeBytes   uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result carries the fields reported by a successful staging command.
type Result struct {
	EndpointURL string
	TreeName    string
	Events      uint64
	SizeBytes   uint64
}

// Summary counts entries per status.
type Summary struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Total returns the number of entries in the store.
func (s Summary) Total() int {
	return s.Queued + s.Running + s.Success + s.Failed
}

// Options configures a Store.
type Options struct {
	// MaxFailures is the failure threshold after which an entry becomes failed.
	// Zero means unlimited retries.
	MaxFailures int
}

var ErrEntryNotFound = errors.New("queue entry not found")
