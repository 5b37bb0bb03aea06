package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/queue"
)

const (
	maxInsertBody  = 1 << 20
	maxInsertURLs  = 1000
	defaultListMax = 100
)

// listOrder is the order statuses are listed in when no status is given.
var listOrder = []queue.Status{queue.StatusRunning, queue.StatusQueued, queue.StatusSuccess, queue.StatusFailed}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sum := s.queue.Summary()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    sum.Queued + sum.Running,
		Running:       sum.Running,
		Subscribers:   s.events.Subscribers(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSummary handles GET /queue.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum := s.queue.Summary()
	respondJSON(w, http.StatusOK, SummaryResponse{Summary: sum, Total: sum.Total()})
}

// handleInsert handles POST /queue.
// URLs already present are reported as existing and left untouched.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	body := http.MaxBytesReader(w, r.Body, maxInsertBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > maxInsertURLs {
		s.writeError(w, http.StatusRequestEntityTooLarge, "too many urls in one request")
		return
	}
	urls := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			s.writeError(w, http.StatusBadRequest, "urls must not contain empty values")
			return
		}
		urls = append(urls, u)
	}
	tree := strings.TrimSpace(req.Tree)

	resp := InsertResponse{Entries: make([]EntryResponse, 0, len(urls))}
	for _, u := range urls {
		entry, created := s.queue.CondInsert(u, tree)
		if created {
			resp.Created++
			s.events.Publish(events.StageQueued, events.StagePayload{
				URL:        entry.URL,
				InstanceID: entry.InstanceID,
				Tree:       entry.TreeName,
			})
		} else {
			resp.Existing++
		}
		resp.Entries = append(resp.Entries, toEntryResponse(entry))
	}

	if resp.Created > 0 {
		s.logger.Info("urls queued", "created", resp.Created, "existing", resp.Existing)
		if s.waker != nil {
			s.waker.Wake()
		}
	}

	status := http.StatusOK
	if resp.Created > 0 {
		status = http.StatusCreated
	}
	respondJSON(w, status, resp)
}

// handleListEntries handles GET /queue/entries?status=&limit=.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultListMax)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	statuses := listOrder
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := queue.ParseStatus(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statuses = []queue.Status{st}
	}

	var entries []queue.Entry
	for _, st := range statuses {
		remaining := limit - len(entries)
		if remaining <= 0 {
			break
		}
		entries = append(entries, s.queue.QueryByStatus(st, remaining)...)
	}
	respondJSON(w, http.StatusOK, EntryListResponse{Entries: toEntryResponses(entries)})
}

// handleGetEntry handles GET /queue/entry?url=.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	entry, ok := s.queue.Lookup(url)
	if !ok {
		s.writeError(w, http.StatusNotFound, queue.ErrEntryNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, toEntryResponse(entry))
}

// handleFlush handles POST /queue/flush. The removed entries are returned so
// the caller can consume their results.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	removed := s.queue.FlushEntries()
	if len(removed) > 0 {
		s.events.Publish(events.QueueFlushed, events.FlushPayload{Removed: len(removed)})
		s.logger.Info("queue flushed", "removed", len(removed))
	}
	respondJSON(w, http.StatusOK, FlushResponse{
		Removed: len(removed),
		Entries: toEntryResponses(removed),
	})
}

// handleHistory handles GET /history?url=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := s.history.Recent(r.Context(), r.URL.Query().Get("url"), limit)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Attempts: attempts})
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
