// Package router turns client requests into session-backed provider calls.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/login"
	"github.com/ashureev/quotebroker/internal/metrics"
	"github.com/ashureev/quotebroker/internal/provider"
)

// Sessions hands out the shared provider session.
type Sessions interface {
	Acquire(ctx context.Context, req domain.PendingRequest) (domain.Session, error)
	Invalidate(session domain.Session) bool
}

// Fetcher is the data half of the quote provider.
type Fetcher interface {
	Fetch(ctx context.Context, session domain.Session, instrument, timeframe string) ([]domain.Bar, error)
}

// Router dispatches decoded requests. It is safe for concurrent use.
type Router struct {
	sessions Sessions
	provider Fetcher
	now      func() time.Time
}

// New creates a router.
func New(sessions Sessions, p Fetcher) *Router {
	return &Router{sessions: sessions, provider: p, now: time.Now}
}

// Handle processes one raw message and returns the reply envelope. It never
// returns nil and never fails the connection.
func (r *Router) Handle(ctx context.Context, connID string, raw []byte) any {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		metrics.Requests.WithLabelValues("invalid", CodeParseError).Inc()
		slog.Debug("Malformed request", "connection_id", connID, "error", err)
		return errorMessage("", CodeParseError, "malformed request: "+err.Error())
	}

	switch req.Type {
	case TypeHeartbeat:
		metrics.Requests.WithLabelValues(TypeHeartbeat, "ok").Inc()
		return Heartbeat{Type: TypeHeartbeat, Timestamp: r.now().Unix()}
	case TypeFetch:
		reply := r.fetch(ctx, connID, req)
		result := "ok"
		if e, ok := reply.(ErrorMessage); ok {
			result = e.Code
		}
		metrics.Requests.WithLabelValues(TypeFetch, result).Inc()
		return reply
	case "":
		metrics.Requests.WithLabelValues("invalid", CodeParseError).Inc()
		return errorMessage("", CodeParseError, "malformed request: missing type")
	default:
		metrics.Requests.WithLabelValues("unknown", CodeUnrecognizedRequest).Inc()
		slog.Debug("Unrecognized request", "connection_id", connID, "type", req.Type)
		return errorMessage(req.Instrument, CodeUnrecognizedRequest, fmt.Sprintf("unrecognized request type %q", req.Type))
	}
}

// fetch acquires a session and loads bars. An auth failure replaces the session
// once and retries once.
func (r *Router) fetch(ctx context.Context, connID string, req Request) any {
	if req.Instrument == "" || req.Timeframe == "" {
		return errorMessage(req.Instrument, CodeInvalidRequest, "fetch requires instrument and timeframe")
	}
	if _, ok := provider.Resolution(req.Timeframe); !ok {
		return errorMessage(req.Instrument, CodeInvalidRequest, fmt.Sprintf("unsupported timeframe %q", req.Timeframe))
	}

	pending := domain.PendingRequest{
		ConnectionID: connID,
		Instrument:   req.Instrument,
		Timeframe:    req.Timeframe,
		RequestedAt:  r.now(),
	}

	session, err := r.sessions.Acquire(ctx, pending)
	if err != nil {
		return r.loginFailure(connID, req.Instrument, err)
	}

	bars, err := r.provider.Fetch(ctx, session, req.Instrument, req.Timeframe)
	if err != nil && provider.IsAuthError(err) {
		metrics.FetchErrors.WithLabelValues("auth").Inc()
		slog.Info("Session rejected by provider, re-authenticating", "connection_id", connID, "instrument", req.Instrument)
		r.sessions.Invalidate(session)

		session, err = r.sessions.Acquire(ctx, pending)
		if err != nil {
			return r.loginFailure(connID, req.Instrument, err)
		}
		bars, err = r.provider.Fetch(ctx, session, req.Instrument, req.Timeframe)
	}
	if err != nil {
		class := "other"
		if provider.IsAuthError(err) {
			class = "auth"
		}
		metrics.FetchErrors.WithLabelValues(class).Inc()
		slog.Warn("Fetch failed", "connection_id", connID, "instrument", req.Instrument, "timeframe", req.Timeframe, "error", err)
		return errorMessage(req.Instrument, CodeFetchFailed, err.Error())
	}

	if bars == nil {
		bars = []domain.Bar{}
	}
	return MarketUpdate{
		Type:       TypeMarketUpdate,
		Instrument: req.Instrument,
		Timeframe:  req.Timeframe,
		Timestamp:  r.now().Unix(),
		Bars:       bars,
	}
}

func (r *Router) loginFailure(connID, instrument string, err error) ErrorMessage {
	code := CodeLoginFailed
	var rejected *login.AuthRejectedError
	switch {
	case errors.As(err, &rejected):
		code = CodeAuthRejected
	case errors.Is(err, login.ErrChallengeTimedOut):
		code = CodeChallengeTimedOut
	}
	slog.Warn("No session for request", "connection_id", connID, "instrument", instrument, "code", code, "error", err)
	return errorMessage(instrument, code, err.Error())
}

func errorMessage(instrument, code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Instrument: instrument, Message: message, Code: code}
}
