package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/quotebroker/internal/provider"
	"github.com/go-chi/chi/v5"
)

const maxLoginsLimit = 500

// RegisterRoutes registers the status API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Get("/logins", h.ListLogins)
		r.Get("/timeframes", h.ListTimeframes)
	})
}

// GetSession returns the broker state. Tokens are never included.
func (h *Handler) GetSession(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sessions.Status())
}

// ListLogins returns recent login attempts, newest first.
func (h *Handler) ListLogins(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLoginsLimit {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	attempts, err := h.repo.RecentLoginAttempts(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list login attempts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list login attempts")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// ListTimeframes returns the supported timeframes in ascending order.
func (h *Handler) ListTimeframes(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string][]string{"timeframes": provider.Timeframes()})
}
