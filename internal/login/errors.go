package login

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChallengeRequired signals that the provider wants a human-verified sign in.
	// It never leaves the broker.
	ErrChallengeRequired = errors.New("challenge login required")

	// ErrChallengeTimedOut matches any TimedOutError.
	ErrChallengeTimedOut = errors.New("challenge login timed out")
)

// AuthRejectedError is returned when the provider refuses the credentials for a
// reason that is not a bot challenge.
type AuthRejectedError struct {
	Reason string
	Cause  error
}

func (e *AuthRejectedError) Error() string {
	return "credential login rejected: " + e.Reason
}

func (e *AuthRejectedError) Unwrap() error {
	return e.Cause
}

// TimedOutError is returned when the session cookies did not show up before the deadline.
// It carries cookie names only.
type TimedOutError struct {
	ObservedCookies []string
}

func (e *TimedOutError) Error() string {
	if len(e.ObservedCookies) == 0 {
		return "challenge login timed out, no cookies observed"
	}
	return fmt.Sprintf("challenge login timed out, observed cookies: %s", strings.Join(e.ObservedCookies, ", "))
}

func (e *TimedOutError) Is(target error) bool {
	return target == ErrChallengeTimedOut
}

// FailedError is returned when a challenge step could not be completed.
type FailedError struct {
	Step  State
	Cause error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("challenge login failed at %s: %v", e.Step, e.Cause)
}

func (e *FailedError) Unwrap() error {
	return e.Cause
}
