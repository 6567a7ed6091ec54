package api

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports whether the status store and every registered
// sandbox provider are reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string)
	ready := true
	check := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = err.Error()
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			return
		}
		checks[name] = "ok"
	}

	check("store", s.dispatcher.Ping(ctx))
	for _, info := range s.registry.List() {
		p, err := s.registry.Resolve(info.Name)
		if err == nil {
			err = p.Ping(ctx)
		}
		check("provider:"+info.Name, err)
	}

	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Checks: checks})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Checks: checks})
}
