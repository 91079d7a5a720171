package domain

import (
	"time"
)

// Session is an authenticated provider session.
// Sessions are replaced, never mutated, when re-authentication succeeds.
type Session struct {
	Token         string
	Signature     string
	EstablishedAt time.Time
}

// IsZero returns true if the session carries no token.
func (s Session) IsZero() bool {
	return s.Token == ""
}

// Same reports whether two sessions carry the same credential pair.
func (s Session) Same(other Session) bool {
	return s.Token == other.Token && s.Signature == other.Signature
}

// Age returns how long ago the session was established.
func (s Session) Age() time.Duration {
	if s.EstablishedAt.IsZero() {
		return 0
	}
	return time.Since(s.EstablishedAt)
}

// Cookie is a name/value pair read from the controlled browser.
type Cookie struct {
	Name  string
	Value string
}

// PendingRequest describes a caller waiting on a session.
type PendingRequest struct {
	ConnectionID string
	Instrument   string
	Timeframe    string
	RequestedAt  time.Time
}
