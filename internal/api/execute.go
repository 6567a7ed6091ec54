package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/seantiz/coderun/internal/dispatch"
	"github.com/seantiz/coderun/internal/model"
)

// executeRequest is the JSON body for POST /api/v1/execute.
type executeRequest struct {
	Language  string        `json:"language"`
	Code      string        `json:"code"`
	Stdin     string        `json:"stdin"`
	Files     []fileRequest `json:"files"`
	Priority  string        `json:"priority"`
	TimeoutMS *int64        `json:"timeoutMs"`
}

type fileRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// executeResponse is the 202 body for an accepted submission.
type executeResponse struct {
	JobID     string      `json:"jobId"`
	StatusURL string      `json:"statusUrl"`
	State     model.State `json:"state"`
	Cached    bool        `json:"cached,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority, err := model.ParsePriority(body.Priority)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "priority"})
		return
	}

	var opts dispatch.SubmitOptions
	opts.Priority = priority
	if body.TimeoutMS != nil {
		if *body.TimeoutMS <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "timeoutMs must be positive", Field: "timeoutMs"})
			return
		}
		opts.Timeout = time.Duration(*body.TimeoutMS) * time.Millisecond
	}

	req := model.ExecutionRequest{
		Language: body.Language,
		Code:     body.Code,
		Stdin:    body.Stdin,
	}
	for _, f := range body.Files {
		req.Files = append(req.Files, model.File{Name: f.Name, Content: f.Content})
	}

	sub, err := s.dispatcher.Submit(r.Context(), req, opts)
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
		return
	case err != nil:
		s.logger.Error("submit job", "error", err, "language", req.Language)
		s.writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}

	s.writeJSON(w, http.StatusAccepted, executeResponse{
		JobID:     sub.Job.ID,
		StatusURL: statusURL(sub.Job.ID),
		State:     sub.Job.State,
		Cached:    sub.Cached,
	})
}

func statusURL(id string) string {
	return "/api/v1/status/" + id
}
