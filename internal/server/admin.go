package server

import (
	"log/slog"
	"net/http"
)

type regenerateResponse struct {
	Regenerated int    `json:"regenerated"`
	Error       string `json:"error,omitempty"`
}

// handleRegenerate rewrites every tracked rule file. Partial failures return
// 500 with the number that succeeded.
func (s *server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Rules.RegenerateAll(r.Context())
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "regenerate failed",
			slog.Int("regenerated", n),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, regenerateResponse{Regenerated: n, Error: "some rule files were not regenerated"})
		return
	}
	writeJSON(w, http.StatusOK, regenerateResponse{Regenerated: n})
}

func (s *server) handlePurgeTemplates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Templates != nil {
		s.deps.Templates.Purge(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}
