package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"formbot/internal/util"
)

// WebhookPath is where Telegram posts updates in webhook mode.
const WebhookPath = "/telegram/webhook"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires dependencies for the HTTP server.
type Config struct {
	// Webhook is mounted at WebhookPath when set.
	Webhook http.Handler
	// Checks are run by /healthz; any failure turns it into a 503.
	Checks map[string]Pinger
}

// Server exposes the health endpoint and, in webhook mode, the update hook.
type Server struct {
	webhook http.Handler
	checks  map[string]Pinger
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		webhook: cfg.Webhook,
		checks:  cfg.Checks,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bot", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.webhook != nil {
		s.mux.Handle(WebhookPath, s.webhook)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health check failed", "check", name, "err", err)
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = "unavailable"
			continue
		}
		body[name] = "ok"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
