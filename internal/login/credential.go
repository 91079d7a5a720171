// Package login implements the two sign in strategies used by the broker: a fast
// credential post and a slow browser flow a human can finish.
package login

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/provider"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	Authenticated OutcomeKind = iota
	ChallengeRequired
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Authenticated:
		return "authenticated"
	case ChallengeRequired:
		return "challenge_required"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a credential login. Session is set only when Kind is
// Authenticated; Cause is set otherwise.
type Outcome struct {
	Kind    OutcomeKind
	Session domain.Session
	Cause   error
}

// Authenticator is the login half of the quote provider.
type Authenticator interface {
	Login(ctx context.Context, creds domain.Credentials) (domain.Session, error)
}

// Classifier decides whether a rejection reason is a bot challenge.
type Classifier struct {
	markers []string
}

// NewClassifier builds a classifier matching any of markers case-insensitively.
func NewClassifier(markers []string) Classifier {
	lower := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lower = append(lower, m)
		}
	}
	return Classifier{markers: lower}
}

// IsChallenge reports whether reason contains one of the markers.
func (c Classifier) IsChallenge(reason string) bool {
	reason = strings.ToLower(reason)
	for _, m := range c.markers {
		if strings.Contains(reason, m) {
			return true
		}
	}
	return false
}

// CredentialLogin posts the credentials directly to the provider.
type CredentialLogin struct {
	provider   Authenticator
	classifier Classifier
}

// NewCredentialLogin creates a credential login strategy.
func NewCredentialLogin(p Authenticator, classifier Classifier) *CredentialLogin {
	return &CredentialLogin{provider: p, classifier: classifier}
}

// Attempt runs one credential login and classifies the result.
func (l *CredentialLogin) Attempt(ctx context.Context, creds domain.Credentials) Outcome {
	start := time.Now()
	session, err := l.provider.Login(ctx, creds)
	if err == nil {
		slog.Info("Credential login succeeded", "duration", time.Since(start))
		return Outcome{Kind: Authenticated, Session: session}
	}

	var rejected *provider.RejectedError
	if !errors.As(err, &rejected) {
		slog.Warn("Credential login failed", "error", err)
		return Outcome{Kind: Failed, Cause: err}
	}

	if l.classifier.IsChallenge(rejected.Reason) {
		slog.Info("Credential login needs a challenge", "reason", rejected.Reason)
		return Outcome{Kind: ChallengeRequired, Cause: errors.Join(ErrChallengeRequired, err)}
	}

	slog.Warn("Credential login rejected", "reason", rejected.Reason, "status", rejected.StatusCode)
	return Outcome{Kind: Failed, Cause: &AuthRejectedError{Reason: rejected.Reason, Cause: err}}
}
