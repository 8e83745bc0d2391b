package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminRouter returns the admin HTTP handler: Prometheus metrics, health and
// a read-only session listing. All handlers read published snapshots only.
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", s.HealthHandler)
	r.Get("/sessions", s.SessionsHandler)

	return r
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	running := s.running.Load()

	status := "healthy"
	code := http.StatusOK
	if !running {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	var uptime int64
	if running {
		uptime = int64(s.clock.Now().Sub(s.startedAt).Seconds())
	}

	health := map[string]interface{}{
		"status":             status,
		"uptime_seconds":     uptime,
		"tick":               s.CurrentTick(),
		"tick_rate":          s.cfg.TickRate,
		"sessions":           len(s.SessionSnapshot()),
		"pending_handshakes": s.pending.Load(),
		"max_clients":        s.cfg.MaxClients,
	}

	writeJSON(w, code, health)
}

// SessionsHandler lists the active sessions as of the last tick
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.SessionSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone already; nothing useful left to do
		return
	}
}
