package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/quotebroker/internal/broker"
	"github.com/go-chi/chi/v5"
)

const healthPingTimeout = 2 * time.Second

// Session states reported by /health.
const (
	sessionAuthenticated = "authenticated"
	sessionLoggingIn     = "logging_in"
	sessionNone          = "none"
)

// RegisterHealth registers the health endpoint.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health reports database reachability and the session state. A missing session
// is not unhealthy; the broker logs in on demand.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	status, code, database := "ok", http.StatusOK, "ok"
	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check database ping failed", "error", err)
		status, code, database = "degraded", http.StatusServiceUnavailable, "unreachable"
	}

	JSON(w, code, map[string]string{
		"status":   status,
		"database": database,
		"session":  sessionState(h.sessions.Status()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func sessionState(st broker.Status) string {
	switch {
	case st.Authenticated:
		return sessionAuthenticated
	case st.LoginInFlight:
		return sessionLoggingIn
	default:
		return sessionNone
	}
}
