package api

import (
	"time"

	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/queue"
)

// InsertRequest is the JSON body for POST /queue.
type InsertRequest struct {
	URLs []string `json:"urls"`
	// Tree is the optional tree name applied to every URL in the request.
	Tree string `json:"tree,omitempty"`
}

// InsertResponse reports the entries after a POST /queue.
type InsertResponse struct {
	Created  int             `json:"created"`
	Existing int             `json:"existing"`
	Entries  []EntryResponse `json:"entries"`
}

// EntryResponse is the wire form of a queue entry.
type EntryResponse struct {
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	Rank        int64     `json:"rank"`
	Failures    int       `json:"failures"`
	InstanceID  uint32    `json:"instance_id,omitempty"`
	TreeName    string    `json:"tree_name,omitempty"`
	Staged      bool      `json:"staged"`
	EndpointURL string    `json:"endpoint_url,omitempty"`
	ResultTree  string    `json:"result_tree,omitempty"`
	Events      uint64    `json:"events,omitempty"`
	SizeBytes   uint64    `json:"size_bytes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EntryListResponse is returned by GET /queue/entries.
type EntryListResponse struct {
	Entries []EntryResponse `json:"entries"`
}

// SummaryResponse is returned by GET /queue.
type SummaryResponse struct {
	queue.Summary
	Total int `json:"total"`
}

// FlushResponse is returned by POST /queue/flush. Entries are the terminal
// entries that were removed.
type FlushResponse struct {
	Removed int             `json:"removed"`
	Entries []EntryResponse `json:"entries"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Attempts []history.Attempt `json:"attempts"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	// QueueDepth counts entries still waiting or running.
	QueueDepth  int `json:"queue_depth"`
	Running     int `json:"running"`
	Subscribers int `json:"subscribers"`
}

func toEntryResponse(e queue.Entry) EntryResponse {
	return EntryResponse{
		URL:         e.URL,
		Status:      string(e.Status),
		Rank:        e.Rank,
		Failures:    e.Failures,
		InstanceID:  e.InstanceID,
		TreeName:    e.TreeName,
		Staged:      e.Staged,
		EndpointURL: e.EndpointURL,
		ResultTree:  e.ResultTree,
		Events:      e.Events,
		SizeBytes:   e.SizeBytes,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toEntryResponses(entries []queue.Entry) []EntryResponse {
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return out
}
