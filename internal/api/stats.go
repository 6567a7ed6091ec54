package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /api/v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"byState"`
	ByLanguage    map[string]int `json:"byLanguage"`
	Cached        int            `json:"cached"`
	AvgDurationMS float64        `json:"avgDurationMs"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, ok, err := s.dispatcher.Stats(r.Context())
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "stats are not supported by the configured store")
		return
	}
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       stats.CountByState,
		ByLanguage:    stats.CountByLanguage,
		Cached:        stats.Cached,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
