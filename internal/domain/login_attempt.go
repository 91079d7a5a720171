package domain

import (
	"time"
)

// Login methods.
const (
	LoginMethodCredential = "credential"
	LoginMethodChallenge  = "challenge"
)

// Login outcomes.
const (
	LoginOutcomeAuthenticated     = "authenticated"
	LoginOutcomeChallengeRequired = "challenge_required"
	LoginOutcomeRejected          = "rejected"
	LoginOutcomeTimedOut          = "timed_out"
	LoginOutcomeFailed            = "failed"
)

// LoginAttempt is a diagnostic record of one login strategy run.
// It never carries session tokens or passwords.
type LoginAttempt struct {
	ID              int64     `json:"id"`
	Method          string    `json:"method"`
	Outcome         string    `json:"outcome"`
	Detail          string    `json:"detail,omitempty"`
	ObservedCookies []string  `json:"observed_cookies,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Duration returns how long the attempt ran.
func (a *LoginAttempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}
