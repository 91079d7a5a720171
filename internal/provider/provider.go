// Package provider defines the quote provider capability and its HTTP adapter.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/quotebroker/internal/domain"
)

// ErrAuth marks an authentication-class failure: the session is no longer accepted.
var ErrAuth = errors.New("provider rejected session")

// Provider is the remote quoting service.
type Provider interface {
	// Login performs the fast credential-based sign in.
	// A refusal is reported as *RejectedError.
	Login(ctx context.Context, creds domain.Credentials) (domain.Session, error)

	// Fetch returns bars for an instrument and timeframe.
	// Errors matching ErrAuth mean the session must be replaced.
	Fetch(ctx context.Context, session domain.Session, instrument, timeframe string) ([]domain.Bar, error)

	// Logout invalidates a session on the provider side.
	Logout(ctx context.Context, session domain.Session) error
}

// RejectedError is returned when the provider refuses a credential login.
type RejectedError struct {
	Reason     string
	StatusCode int
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("login rejected (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return "login rejected: " + e.Reason
}

// FetchError is a data-fetch failure for a single instrument.
type FetchError struct {
	Instrument string
	Cause      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Instrument, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// IsAuthError reports whether err is an authentication-class failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}
