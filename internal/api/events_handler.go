package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/stagerd/internal/events"
)

const (
	keepAliveInterval = 15 * time.Second
	// streamRetry is the reconnect delay suggested to clients.
	streamRetry = 2 * time.Second
)

// handleEvents streams stage events as server-sent events.
//
// The subscription is taken before the ring buffer is replayed so nothing
// published in between is lost; an event whose id was already written is
// skipped. The resume point is Last-Event-ID, or ?since= for clients that
// cannot set headers. Repeated ?type= parameters restrict the event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	since, err := resumePoint(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{w: w, lastID: since, types: typeFilter(r)}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", streamRetry.Milliseconds()); err != nil {
		return
	}
	for _, ev := range s.events.SnapshotSince(since) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventStream writes hub events to one client in id order.
type eventStream struct {
	w      http.ResponseWriter
	lastID int64
	types  map[string]bool
}

func (es *eventStream) send(ev events.Event) error {
	if ev.ID <= es.lastID {
		return nil
	}
	es.lastID = ev.ID
	if len(es.types) > 0 && !es.types[ev.Type] {
		return nil
	}
	// Payloads are single-line JSON, so one data line suffices.
	_, err := fmt.Fprintf(es.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

// resumePoint returns the id after which to replay. A malformed
// Last-Event-ID replays everything; a malformed ?since= is rejected.
func resumePoint(r *http.Request) (int64, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			return id, nil
		}
		return 0, nil
	}
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("since must be a non-negative event id")
	}
	return id, nil
}

func typeFilter(r *http.Request) map[string]bool {
	values := r.URL.Query()["type"]
	if len(values) == 0 {
		return nil
	}
	types := make(map[string]bool, len(values))
	for _, t := range values {
		types[t] = true
	}
	return types
}
