package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/store"
)

// handleStatusEvents streams a job's state as server-sent events. Each
// transition is sent as a "state" event carrying the status view; a "done"
// event follows the terminal state.
func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	// Subscribe before reading the job so no transition falls in between.
	ch, unsub := s.dispatcher.Events().Subscribe(id)
	defer unsub()

	j, err := s.dispatcher.Status(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "job_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "status store unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}
	w.WriteHeader(http.StatusOK)

	send := func(j *model.Job) bool {
		data, err := json.Marshal(newStatusResponse(j))
		if err != nil {
			s.logger.Error("encode job event", "job_id", j.ID, "error", err)
			return false
		}
		if err := writeSSEEvent(w, "state", string(data)); err != nil {
			return false // Write failed (e.g. client gone).
		}
		if j.State.Terminal() {
			_ = writeSSEEvent(w, "done", string(j.State))
		}
		_ = rc.Flush()
		return !j.State.Terminal()
	}

	if !send(j) {
		return
	}
	last := j.State

	ticker := time.NewTicker(s.opts.EventPoll)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				ch = nil
			} else if ev.State == last {
				continue
			}
			// Re-read rather than trusting the event so the stream carries
			// the stored result.
		case <-ticker.C:
		case <-ctx.Done():
			return // Client disconnected.
		}

		j, err := s.dispatcher.Status(ctx, id)
		if err != nil {
			s.logger.Error("refresh job for events", "job_id", id, "error", err)
			return
		}
		if j.State == last && !j.State.Terminal() {
			continue
		}
		last = j.State
		if !send(j) {
			return
		}
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
// data must not contain newlines.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
