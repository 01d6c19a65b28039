package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is the /healthz body. Every check reports "ok" or its
// failure message.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth pings the store and every registered probe.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}

	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["store"] = err.Error()
	} else {
		resp.Checks["store"] = "ok"
	}

	for _, p := range s.probes {
		if err := p.Probe.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[p.Name] = err.Error()
		} else {
			resp.Checks[p.Name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		s.logger.Warn("health check degraded", "checks", resp.Checks)
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
