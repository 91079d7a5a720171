package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/login"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = domain.Credentials{Username: "alice", Password: "hunter2"}

// fakeCredential returns outcomes in order, blocking on gate when it is set.
// With ignoreCancel set it keeps waiting on gate after ctx ends.
type fakeCredential struct {
	gate         chan struct{}
	ignoreCancel bool
	outcomes     []login.Outcome
	calls        atomic.Int32
}

func (f *fakeCredential) Attempt(ctx context.Context, _ domain.Credentials) login.Outcome {
	n := int(f.calls.Add(1))
	switch {
	case f.gate != nil && f.ignoreCancel:
		<-f.gate
	case f.gate != nil:
		select {
		case <-f.gate:
		case <-ctx.Done():
			return login.Outcome{Kind: login.Failed, Cause: ctx.Err()}
		}
	}
	if n > len(f.outcomes) {
		n = len(f.outcomes)
	}
	return f.outcomes[n-1]
}

type fakeChallenge struct {
	gate     chan struct{}
	session  domain.Session
	err      error
	panics   bool
	calls    atomic.Int32
	deadline time.Time
}

func (f *fakeChallenge) Attempt(ctx context.Context, _ domain.Credentials, deadline time.Time) (domain.Session, error) {
	f.calls.Add(1)
	f.deadline = deadline
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.Session{}, &login.FailedError{Step: login.StatePollForSession, Cause: ctx.Err()}
		}
	}
	if f.panics {
		panic("browser exploded")
	}
	return f.session, f.err
}

type fakeLogout struct {
	mu       sync.Mutex
	sessions []domain.Session
}

func (f *fakeLogout) Logout(_ context.Context, s domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeLogout) snapshot() []domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Session(nil), f.sessions...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []domain.LoginAttempt
}

func (f *fakeRecorder) RecordLoginAttempt(_ context.Context, a *domain.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeRecorder) snapshot() []domain.LoginAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LoginAttempt(nil), f.attempts...)
}

func authenticated(token string) login.Outcome {
	return login.Outcome{Kind: login.Authenticated, Session: domain.Session{Token: token, Signature: token + "-sig"}}
}

var challengeRequired = login.Outcome{Kind: login.ChallengeRequired, Cause: login.ErrChallengeRequired}

type acquireResult struct {
	session domain.Session
	err     error
}

// acquireMany starts n concurrent Acquire calls and waits until all are queued.
func acquireMany(t *testing.T, m *Manager, n int) <-chan acquireResult {
	t.Helper()
	results := make(chan acquireResult, n)
	for i := 0; i < n; i++ {
		go func() {
			s, err := m.Acquire(context.Background(), domain.PendingRequest{ConnectionID: "conn", Instrument: "BTCUSD", Timeframe: "1h"})
			results <- acquireResult{s, err}
		}()
	}
	require.Eventually(t, func() bool { return m.Status().Waiters == n }, 2*time.Second, time.Millisecond)
	return results
}

func collect(t *testing.T, results <-chan acquireResult, n int) []acquireResult {
	t.Helper()
	out := make([]acquireResult, 0, n)
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d waiters released", len(out), n)
		}
	}
	return out
}

func TestAcquireConcurrentCallersShareOneLogin(t *testing.T) {
	cred := &fakeCredential{gate: make(chan struct{}), outcomes: []login.Outcome{authenticated("tok")}}
	chal := &fakeChallenge{}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal})

	const callers = 25
	results := acquireMany(t, m, callers)
	assert.True(t, m.Status().LoginInFlight)

	close(cred.gate)
	for _, r := range collect(t, results, callers) {
		require.NoError(t, r.err)
		assert.Equal(t, "tok", r.session.Token)
	}

	assert.Equal(t, int32(1), cred.calls.Load())
	assert.Zero(t, chal.calls.Load())

	st := m.Status()
	assert.True(t, st.Authenticated)
	assert.False(t, st.LoginInFlight)
	assert.Zero(t, st.Waiters)
}

func TestAcquireFastPath(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{authenticated("tok")}}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: &fakeChallenge{}})

	first, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.NoError(t, err)
	second, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), cred.calls.Load())
}

func TestAcquireFallsBackToChallengeOnce(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{challengeRequired}}
	chal := &fakeChallenge{
		gate:    make(chan struct{}),
		session: domain.Session{Token: "abc", Signature: "xyz"},
	}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal, ChallengeTimeout: time.Minute})

	const callers = 5
	results := acquireMany(t, m, callers)
	require.Eventually(t, func() bool { return chal.calls.Load() == 1 }, time.Second, time.Millisecond)

	select {
	case r := <-results:
		t.Fatalf("waiter released before challenge finished: %+v", r)
	default:
	}

	close(chal.gate)
	for _, r := range collect(t, results, callers) {
		require.NoError(t, r.err)
		assert.Equal(t, "abc", r.session.Token)
		assert.Equal(t, "xyz", r.session.Signature)
	}
	assert.Equal(t, int32(1), chal.calls.Load())
	assert.WithinDuration(t, time.Now().Add(time.Minute), chal.deadline, 5*time.Second)
}

func TestAcquireTimeoutFailsWholeBatch(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{challengeRequired, authenticated("fresh")}}
	chal := &fakeChallenge{
		gate: make(chan struct{}),
		err:  &login.TimedOutError{ObservedCookies: []string{"_ga"}},
	}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal})

	const callers = 4
	results := acquireMany(t, m, callers)
	close(chal.gate)

	for _, r := range collect(t, results, callers) {
		assert.True(t, errors.Is(r.err, login.ErrChallengeTimedOut))
		assert.True(t, r.session.IsZero())
	}
	assert.Contains(t, m.Status().LastError, "timed out")
	assert.False(t, m.Status().LoginInFlight)

	s, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.Token)
	assert.Equal(t, int32(2), cred.calls.Load())
	assert.Empty(t, m.Status().LastError)
}

func TestAcquireRejectedIsNotRetried(t *testing.T) {
	rejected := &login.AuthRejectedError{Reason: "Invalid username or password"}
	cred := &fakeCredential{outcomes: []login.Outcome{{Kind: login.Failed, Cause: rejected}}}
	chal := &fakeChallenge{}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal})

	_, err := m.Acquire(context.Background(), domain.PendingRequest{})
	var got *login.AuthRejectedError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, int32(1), cred.calls.Load())
	assert.Zero(t, chal.calls.Load())
}

func TestInvalidate(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{authenticated("one"), authenticated("two")}}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: &fakeChallenge{}})

	var mu sync.Mutex
	var changes []bool
	m.OnChange(func(ok bool) {
		mu.Lock()
		changes = append(changes, ok)
		mu.Unlock()
	})

	first, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.NoError(t, err)

	assert.False(t, m.Invalidate(domain.Session{Token: "stale", Signature: "stale-sig"}))
	assert.True(t, m.Status().Authenticated)

	assert.True(t, m.Invalidate(first))
	assert.False(t, m.Status().Authenticated)
	assert.False(t, m.Invalidate(first))

	second, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.NoError(t, err)
	assert.Equal(t, "two", second.Token)

	assert.False(t, m.Invalidate(first), "old session must not drop the new one")
	assert.True(t, m.Status().Authenticated)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, changes)
}

func TestAcquireCancelledWaiterDoesNotStopLogin(t *testing.T) {
	cred := &fakeCredential{gate: make(chan struct{}), outcomes: []login.Outcome{authenticated("tok")}}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: &fakeChallenge{}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, domain.PendingRequest{ConnectionID: "gone"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return m.Status().Waiters == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Zero(t, m.Status().Waiters)
	assert.True(t, m.Status().LoginInFlight)

	close(cred.gate)
	require.Eventually(t, func() bool { return m.Status().Authenticated }, time.Second, time.Millisecond)
}

func TestAcquireRecoversFromPanic(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{challengeRequired}}
	chal := &fakeChallenge{panics: true}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal})

	_, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, m.Status().LoginInFlight)
}

func TestLoginAttemptsAreRecorded(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{challengeRequired}}
	chal := &fakeChallenge{err: &login.TimedOutError{ObservedCookies: []string{"_ga", "sessionid"}}}
	rec := &fakeRecorder{}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal, Recorder: rec})

	_, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.Error(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	attempts := rec.snapshot()

	byMethod := map[string]domain.LoginAttempt{}
	for _, a := range attempts {
		byMethod[a.Method] = a
	}
	assert.Equal(t, domain.LoginOutcomeChallengeRequired, byMethod[domain.LoginMethodCredential].Outcome)
	assert.Equal(t, domain.LoginOutcomeTimedOut, byMethod[domain.LoginMethodChallenge].Outcome)
	assert.Equal(t, []string{"_ga", "sessionid"}, byMethod[domain.LoginMethodChallenge].ObservedCookies)
}

func TestShutdown(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{authenticated("tok")}}
	logout := &fakeLogout{}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: &fakeChallenge{}, Logout: logout})

	_, err := m.Acquire(context.Background(), domain.PendingRequest{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	loggedOut := logout.snapshot()
	require.Len(t, loggedOut, 1)
	assert.Equal(t, "tok", loggedOut[0].Token)

	_, err = m.Acquire(context.Background(), domain.PendingRequest{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestShutdownAbortsInFlightLogin(t *testing.T) {
	cred := &fakeCredential{outcomes: []login.Outcome{challengeRequired}}
	chal := &fakeChallenge{gate: make(chan struct{})}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: chal})

	results := acquireMany(t, m, 2)
	require.Eventually(t, func() bool { return chal.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	for _, r := range collect(t, results, 2) {
		assert.ErrorIs(t, r.err, context.Canceled)
		assert.ErrorIs(t, r.err, ErrClosed)
	}
}

func TestShutdownDiscardsLoginFinishingLate(t *testing.T) {
	cred := &fakeCredential{
		gate:         make(chan struct{}),
		ignoreCancel: true,
		outcomes:     []login.Outcome{authenticated("late")},
	}
	logout := &fakeLogout{}
	m := NewManager(Config{Credentials: testCreds, Credential: cred, Challenge: &fakeChallenge{}, Logout: logout})

	changes := make(chan bool, 4)
	m.OnChange(func(ok bool) { changes <- ok })

	results := acquireMany(t, m, 2)
	require.Eventually(t, func() bool { return cred.calls.Load() == 1 }, time.Second, time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- m.Shutdown(context.Background()) }()

	select {
	case ok := <-changes:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not publish")
	}

	close(cred.gate)
	select {
	case err := <-shutdownErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}

	for _, r := range collect(t, results, 2) {
		assert.ErrorIs(t, r.err, ErrClosed)
		assert.True(t, r.session.IsZero())
	}
	assert.False(t, m.Status().Authenticated)
	assert.Empty(t, changes)

	loggedOut := logout.snapshot()
	require.Len(t, loggedOut, 1)
	assert.Equal(t, "late", loggedOut[0].Token)
}
