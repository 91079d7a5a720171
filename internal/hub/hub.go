// Package hub accepts websocket clients and dispatches their messages.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/quotebroker/internal/metrics"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 * 1024

	// maxInFlight caps concurrently handled messages per connection.
	maxInFlight = 8
)

// CodeBusy is the error code sent when a connection has too many requests running.
const CodeBusy = "busy"

// busyReply matches the shape of the router's error envelope.
type busyReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Handler produces a reply envelope for one inbound message.
type Handler interface {
	Handle(ctx context.Context, connID string, raw []byte) any
}

// Hub handles websocket connections. Each inbound message is handled on its own
// goroutine, so a slow fetch never holds up later messages on the same connection.
type Hub struct {
	handler       Handler
	registry      *Registry
	allowedOrigin string
	isDev         bool
	maxInFlight   int
}

// New creates a websocket hub.
func New(handler Handler, registry *Registry, allowedOrigin string, isDev bool) *Hub {
	return &Hub{
		handler:       handler,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		maxInFlight:   maxInFlight,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	slog.Info("WebSocket connection request", "connection_id", connID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "connection_id", connID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "connection_id", connID)
		}
	}()

	h.registry.Register(connID, ws)
	defer h.registry.Unregister(connID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	sem := make(chan struct{}, h.maxInFlight)
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "connection_id", connID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "connection_id", connID)
			}
			return
		}

		select {
		case sem <- struct{}{}:
		default:
			h.rejectBusy(ws, connID)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := h.handler.Handle(ctx, connID, message)
			<-sem
			h.deliver(ctx, ws, connID, reply)
		}()
	}
}

// Shutdown closes every open connection.
func (h *Hub) Shutdown() {
	h.registry.CloseAll("server shutting down")
}

func (h *Hub) deliver(ctx context.Context, ws *websocket.Conn, connID string, reply any) {
	if ctx.Err() != nil {
		slog.Debug("Discarding reply for closed connection", "connection_id", connID)
		return
	}
	if err := h.writeJSON(ws, reply); err != nil {
		slog.Debug("Failed to write reply", "error", err, "connection_id", connID)
	}
}

func (h *Hub) rejectBusy(ws *websocket.Conn, connID string) {
	metrics.Requests.WithLabelValues("rejected", CodeBusy).Inc()
	slog.Warn("Too many requests in flight, rejecting message", "connection_id", connID, "limit", h.maxInFlight)
	reply := busyReply{
		Type:    "error",
		Message: fmt.Sprintf("too many requests in flight (limit %d)", h.maxInFlight),
		Code:    CodeBusy,
	}
	if err := h.writeJSON(ws, reply); err != nil {
		slog.Debug("Failed to write busy reply", "error", err, "connection_id", connID)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Hub) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
