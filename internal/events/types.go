package events

import "time"

// Event types published by the daemon.
const (
	StageQueued    = "stage.queued"
	StageStarted   = "stage.started"
	StageSucceeded = "stage.succeeded"
	StageRequeued  = "stage.requeued"
	StageFailed    = "stage.failed"
	StageTimedOut  = "stage.timed_out"
	QueueFlushed   = "queue.flushed"
	ConfigReloaded = "config.reloaded"
)

// StagePayload is the data of every stage.* event.
type StagePayload struct {
	URL        string `json:"url"`
	InstanceID uint32 `json:"instance_id,omitempty"`
	Tree       string `json:"tree,omitempty"`
	Failures   int    `json:"failures,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	SizeBytes  uint64 `json:"size_bytes,omitempty"`
	Events     uint64 `json:"events,omitempty"`
	PID        int    `json:"pid,omitempty"`
	// Elapsed is set on completion events.
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`
}

// FlushPayload is the data of queue.flushed.
type FlushPayload struct {
	Removed int `json:"removed"`
}

// ReloadPayload is the data of config.reloaded.
type ReloadPayload struct {
	Hash    string   `json:"hash"`
	Changes []string `json:"changes"`
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(string, any) {}
