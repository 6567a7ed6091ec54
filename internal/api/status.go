package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/store"
)

// statusResponse is the JSON view of a job.
type statusResponse struct {
	ID          string                 `json:"id"`
	State       model.State            `json:"state"`
	Result      *model.ExecutionResult `json:"result,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"maxAttempts"`
	Priority    model.Priority         `json:"priority"`
	Cached      bool                   `json:"cached"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// newStatusResponse builds the public view of j. Internal failure details
// stay in the logs.
func newStatusResponse(j *model.Job) statusResponse {
	resp := statusResponse{
		ID:          j.ID,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Priority:    j.Priority,
		Cached:      j.Cached,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.State == model.StateCompleted || j.State == model.StateTimedOut {
		resp.Result = j.Result
	}
	switch j.State {
	case model.StateTimedOut:
		resp.Error = fmt.Sprintf("execution exceeded %s", j.Timeout())
	case model.StateFailed:
		resp.Error = fmt.Sprintf("execution failed after %d attempts", j.Attempts)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.dispatcher.Status(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "status store unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, newStatusResponse(j))
}
