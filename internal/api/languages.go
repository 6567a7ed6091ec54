package api

import (
	"net/http"
	"slices"

	"github.com/seantiz/coderun/internal/model"
)

type languageResponse struct {
	Name       string   `json:"name"`
	SourceFile string   `json:"sourceFile"`
	Command    []string `json:"command"`
	Providers  []string `json:"providers"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, _ *http.Request) {
	providers := s.registry.List()

	langs := model.Languages()
	resp := make([]languageResponse, 0, len(langs))
	for _, l := range langs {
		lr := languageResponse{
			Name:       l.Name,
			SourceFile: l.SourceFile,
			Command:    l.Command,
			Providers:  []string{},
		}
		for _, p := range providers {
			if slices.Contains(p.Capabilities.Languages, l.Name) {
				lr.Providers = append(lr.Providers, p.Name)
			}
		}
		resp = append(resp, lr)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
