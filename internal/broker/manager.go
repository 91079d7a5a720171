// Package broker owns the single upstream session and serializes logins.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/login"
	"github.com/ashureev/quotebroker/internal/metrics"
)

const (
	defaultChallengeTimeout = 5 * time.Minute
	recordTimeout           = 5 * time.Second
	lateLogoutTimeout       = 10 * time.Second
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("session manager is shut down")

// CredentialStrategy is the fast login path.
type CredentialStrategy interface {
	Attempt(ctx context.Context, creds domain.Credentials) login.Outcome
}

// ChallengeStrategy is the browser login path.
type ChallengeStrategy interface {
	Attempt(ctx context.Context, creds domain.Credentials, deadline time.Time) (domain.Session, error)
}

// Logouter ends a session on the provider.
type Logouter interface {
	Logout(ctx context.Context, session domain.Session) error
}

// AttemptRecorder persists login attempts for diagnostics.
type AttemptRecorder interface {
	RecordLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error
}

// Config wires a Manager.
type Config struct {
	Credentials      domain.Credentials
	Credential       CredentialStrategy
	Challenge        ChallengeStrategy
	ChallengeTimeout time.Duration

	// Optional.
	Logout   Logouter
	Recorder AttemptRecorder
}

// Status is a point-in-time view of the broker state. It never includes secrets.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	EstablishedAt time.Time `json:"established_at,omitzero"`
	LoginInFlight bool      `json:"login_in_flight"`
	Waiters       int       `json:"waiters"`
	LastError     string    `json:"last_error,omitempty"`
}

type result struct {
	session domain.Session
	err     error
}

type waiter struct {
	req  domain.PendingRequest
	done chan result
}

// Manager holds the current session. At most one login runs at a time; callers
// arriving while it runs queue behind it and all receive its result.
type Manager struct {
	creds            domain.Credentials
	credential       CredentialStrategy
	challenge        ChallengeStrategy
	challengeTimeout time.Duration
	logout           Logouter
	recorder         AttemptRecorder

	mu        sync.Mutex
	current   *domain.Session
	inFlight  bool
	waiters   []*waiter
	lastErr   error
	closed    bool
	observers []func(authenticated bool)

	notifyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager with no session.
func NewManager(cfg Config) *Manager {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = defaultChallengeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		creds:            cfg.Credentials,
		credential:       cfg.Credential,
		challenge:        cfg.Challenge,
		challengeTimeout: cfg.ChallengeTimeout,
		logout:           cfg.Logout,
		recorder:         cfg.Recorder,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// OnChange registers fn to be called whenever a session is gained or lost.
func (m *Manager) OnChange(fn func(authenticated bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Acquire returns the current session, logging in first if there is none.
// If ctx ends while waiting, the caller stops waiting but the login carries on.
func (m *Manager) Acquire(ctx context.Context, req domain.PendingRequest) (domain.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Session{}, ErrClosed
	}
	if m.current != nil {
		session := *m.current
		m.mu.Unlock()
		return session, nil
	}

	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	w := &waiter{req: req, done: make(chan result, 1)}
	m.waiters = append(m.waiters, w)
	metrics.LoginWaiters.Set(float64(len(m.waiters)))

	if !m.inFlight {
		m.inFlight = true
		m.wg.Add(1)
		go m.runLogin()
		slog.Info("Login started", "connection_id", req.ConnectionID, "instrument", req.Instrument)
	} else {
		slog.Debug("Waiting for in-flight login",
			"connection_id", req.ConnectionID,
			"instrument", req.Instrument,
			"position", len(m.waiters),
		)
	}
	m.mu.Unlock()

	select {
	case r := <-w.done:
		return r.session, r.err
	case <-ctx.Done():
		m.dropWaiter(w)
		return domain.Session{}, ctx.Err()
	}
}

// Invalidate drops session if it is still the current one. A stale session is ignored
// so that a late auth error cannot discard a newer login.
func (m *Manager) Invalidate(session domain.Session) bool {
	m.mu.Lock()
	if m.current == nil || !m.current.Same(session) {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	m.mu.Unlock()

	slog.Info("Session invalidated", "age", session.Age())
	m.publish()
	return true
}

// Status returns the current broker state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Authenticated: m.current != nil,
		LoginInFlight: m.inFlight,
		Waiters:       len(m.waiters),
	}
	if m.current != nil {
		st.EstablishedAt = m.current.EstablishedAt
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Shutdown stops new acquisitions, aborts a running login and logs the current
// session out. Logout is best-effort.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	current := m.current
	m.current = nil
	m.mu.Unlock()

	m.cancel()
	m.publish()

	if current != nil && m.logout != nil {
		if err := m.logout.Logout(ctx, *current); err != nil {
			slog.Warn("Provider logout failed", "error", err)
		} else {
			slog.Info("Provider session logged out")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for login to stop: %w", ctx.Err())
	}
}

func (m *Manager) dropWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.waiters {
		if other == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	metrics.LoginWaiters.Set(float64(len(m.waiters)))
	slog.Debug("Waiter left before login finished", "connection_id", w.req.ConnectionID)
}

func (m *Manager) runLogin() {
	defer m.wg.Done()

	var session domain.Session
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("login panicked: %v", r)
				slog.Error("Login panicked", "panic", r)
			}
		}()
		session, err = m.authenticate(m.ctx)
	}()

	m.resolve(session, err)
}

// authenticate tries the credential path and falls back to the challenge path.
func (m *Manager) authenticate(ctx context.Context) (domain.Session, error) {
	start := time.Now()
	out := m.credential.Attempt(ctx, m.creds)
	m.record(credentialAttempt(out, start))

	switch out.Kind {
	case login.Authenticated:
		return out.Session, nil
	case login.ChallengeRequired:
	default:
		return domain.Session{}, out.Cause
	}

	start = time.Now()
	slog.Info("Falling back to challenge login", "timeout", m.challengeTimeout)
	session, err := m.challenge.Attempt(ctx, m.creds, start.Add(m.challengeTimeout))
	m.record(challengeAttempt(err, start))
	return session, err
}

// resolve installs the login result and releases every waiter with it, in arrival order.
// A login that finishes after Shutdown is never installed; its session is logged out.
func (m *Manager) resolve(session domain.Session, err error) {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.inFlight = false
	closed := m.closed
	switch {
	case closed:
	case err == nil:
		m.current = &session
		m.lastErr = nil
	default:
		m.lastErr = err
	}
	m.mu.Unlock()

	metrics.LoginWaiters.Set(0)
	switch {
	case closed:
		slog.Info("Login finished after shutdown", "waiters", len(waiters), "error", err)
		if err == nil {
			m.logoutLate(session)
			err = ErrClosed
		} else {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		session = domain.Session{}
	case err != nil:
		slog.Warn("Login failed", "error", err, "waiters", len(waiters))
	default:
		slog.Info("Login succeeded", "waiters", len(waiters))
		m.publish()
	}

	for _, w := range waiters {
		w.done <- result{session: session, err: err}
	}
}

func (m *Manager) logoutLate(session domain.Session) {
	if m.logout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lateLogoutTimeout)
	defer cancel()
	if err := m.logout.Logout(ctx, session); err != nil {
		slog.Warn("Provider logout of late session failed", "error", err)
		return
	}
	slog.Info("Late provider session logged out")
}

func (m *Manager) record(attempt *domain.LoginAttempt) {
	metrics.LoginAttempts.WithLabelValues(attempt.Method, attempt.Outcome).Inc()
	metrics.LoginDuration.WithLabelValues(attempt.Method).Observe(attempt.Duration().Seconds())

	if m.recorder == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := m.recorder.RecordLoginAttempt(ctx, attempt); err != nil {
			slog.Warn("Failed to record login attempt", "method", attempt.Method, "error", err)
		}
	}()
}

func credentialAttempt(out login.Outcome, start time.Time) *domain.LoginAttempt {
	attempt := &domain.LoginAttempt{
		Method:     domain.LoginMethodCredential,
		StartedAt:  start,
		FinishedAt: time.Now(),
	}
	var rejected *login.AuthRejectedError
	switch {
	case out.Kind == login.Authenticated:
		attempt.Outcome = domain.LoginOutcomeAuthenticated
	case out.Kind == login.ChallengeRequired:
		attempt.Outcome = domain.LoginOutcomeChallengeRequired
	case errors.As(out.Cause, &rejected):
		attempt.Outcome = domain.LoginOutcomeRejected
		attempt.Detail = rejected.Reason
	default:
		attempt.Outcome = domain.LoginOutcomeFailed
	}
	if out.Cause != nil && attempt.Detail == "" {
		attempt.Detail = out.Cause.Error()
	}
	return attempt
}

func challengeAttempt(err error, start time.Time) *domain.LoginAttempt {
	attempt := &domain.LoginAttempt{
		Method:     domain.LoginMethodChallenge,
		StartedAt:  start,
		FinishedAt: time.Now(),
	}
	var timedOut *login.TimedOutError
	switch {
	case err == nil:
		attempt.Outcome = domain.LoginOutcomeAuthenticated
	case errors.As(err, &timedOut):
		attempt.Outcome = domain.LoginOutcomeTimedOut
		attempt.ObservedCookies = timedOut.ObservedCookies
		attempt.Detail = err.Error()
	default:
		attempt.Outcome = domain.LoginOutcomeFailed
		attempt.Detail = err.Error()
	}
	return attempt
}

// publish reports the current state to observers. Calls are serialized and always
// carry the state at call time, so observers converge on the latest value.
func (m *Manager) publish() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	authenticated := m.current != nil
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range observers {
		fn(authenticated)
	}
}
