package login

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthenticator struct {
	session domain.Session
	err     error
	calls   int
}

func (s *stubAuthenticator) Login(context.Context, domain.Credentials) (domain.Session, error) {
	s.calls++
	return s.session, s.err
}

var defaultMarkers = []string{"captcha", "robot", "bot detected"}

func TestClassifier(t *testing.T) {
	c := NewClassifier(defaultMarkers)

	tests := []struct {
		reason string
		want   bool
	}{
		{"Please confirm that you are not a robot", true},
		{"reCAPTCHA verification required", true},
		{"Bot Detected", true},
		{"Invalid username or password", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.IsChallenge(tt.reason), tt.reason)
	}

	assert.False(t, NewClassifier([]string{" ", ""}).IsChallenge("anything"))
}

func TestCredentialLoginAuthenticated(t *testing.T) {
	want := domain.Session{Token: "tok", Signature: "sig"}
	l := NewCredentialLogin(&stubAuthenticator{session: want}, NewClassifier(defaultMarkers))

	out := l.Attempt(context.Background(), domain.Credentials{Username: "a", Password: "b"})
	assert.Equal(t, Authenticated, out.Kind)
	assert.Equal(t, want, out.Session)
	assert.NoError(t, out.Cause)
}

func TestCredentialLoginChallengeRequired(t *testing.T) {
	stub := &stubAuthenticator{err: &provider.RejectedError{Reason: "bot detected"}}
	l := NewCredentialLogin(stub, NewClassifier(defaultMarkers))

	out := l.Attempt(context.Background(), domain.Credentials{Username: "a", Password: "b"})
	assert.Equal(t, ChallengeRequired, out.Kind)
	assert.True(t, errors.Is(out.Cause, ErrChallengeRequired))
	assert.True(t, out.Session.IsZero())
}

func TestCredentialLoginRejectedKeepsReason(t *testing.T) {
	stub := &stubAuthenticator{err: &provider.RejectedError{Reason: "Invalid username or password", StatusCode: 400}}
	l := NewCredentialLogin(stub, NewClassifier(defaultMarkers))

	out := l.Attempt(context.Background(), domain.Credentials{Username: "a", Password: "b"})
	require.Equal(t, Failed, out.Kind)

	var rejected *AuthRejectedError
	require.True(t, errors.As(out.Cause, &rejected))
	assert.Equal(t, "Invalid username or password", rejected.Reason)

	var upstream *provider.RejectedError
	assert.True(t, errors.As(out.Cause, &upstream))
}

func TestCredentialLoginTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	l := NewCredentialLogin(&stubAuthenticator{err: cause}, NewClassifier(defaultMarkers))

	out := l.Attempt(context.Background(), domain.Credentials{Username: "a", Password: "b"})
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Cause, cause)

	var rejected *AuthRejectedError
	assert.False(t, errors.As(out.Cause, &rejected))
}
