package router

import (
	"github.com/ashureev/quotebroker/internal/domain"
)

// Message types.
const (
	TypeFetch        = "fetch"
	TypeHeartbeat    = "heartbeat"
	TypeMarketUpdate = "market_update"
	TypeError        = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeParseError          = "parse_error"
	CodeUnrecognizedRequest = "unrecognized_request"
	CodeInvalidRequest      = "invalid_request"
	CodeAuthRejected        = "auth_rejected"
	CodeChallengeTimedOut   = "challenge_timed_out"
	CodeLoginFailed         = "login_failed"
	CodeFetchFailed         = "fetch_failed"
)

// Request is the inbound envelope.
type Request struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`
	Timeframe  string `json:"timeframe,omitempty"`
}

// MarketUpdate is the reply to a successful fetch.
type MarketUpdate struct {
	Type       string       `json:"type"`
	Instrument string       `json:"instrument"`
	Timeframe  string       `json:"timeframe"`
	Timestamp  int64        `json:"timestamp"`
	Bars       []domain.Bar `json:"bars"`
}

// Heartbeat is the reply to a heartbeat.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a failed request. The connection stays open.
type ErrorMessage struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}
