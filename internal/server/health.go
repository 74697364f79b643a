package server

import (
	"context"
	"log/slog"
	"net/http"
)

// ReadyChecker reports whether a dependency is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// ReadyCheck is a named readiness probe.
type ReadyCheck struct {
	Name  string
	Check ReadyChecker
}

// okBody avoids a []byte("ok") heap escape per call; plainCT avoids the
// []string{v} alloc from Header.Set (see respond.go:jsonCT).
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

type readyResponse struct {
	Status string `json:"status"`
	Failed string `json:"failed,omitempty"`
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz runs the probes in order and reports the first failure by
// name. Probe errors are logged, not returned.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, c := range s.deps.ReadyChecks {
		if err := c.Check(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Failed: c.Name})
			return
		}
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
}
