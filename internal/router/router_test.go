package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/login"
	"github.com/ashureev/quotebroker/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu          sync.Mutex
	sessions    []domain.Session
	err         error
	acquires    int
	invalidated []domain.Session
}

func (f *fakeSessions) Acquire(context.Context, domain.PendingRequest) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return domain.Session{}, f.err
	}
	i := f.acquires - 1
	if i >= len(f.sessions) {
		i = len(f.sessions) - 1
	}
	return f.sessions[i], nil
}

func (f *fakeSessions) Invalidate(s domain.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, s)
	return true
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []domain.Session
	fn    func(call int, s domain.Session) ([]domain.Bar, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, s domain.Session, _, _ string) ([]domain.Bar, error) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, s)
}

func sampleBars() []domain.Bar {
	return []domain.Bar{{Time: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}
}

func newTestRouter(s Sessions, f Fetcher) *Router {
	r := New(s, f)
	r.now = func() time.Time { return time.Unix(1700000123, 0) }
	return r
}

func TestHeartbeatNeverAcquires(t *testing.T) {
	sessions := &fakeSessions{err: errors.New("must not be called")}
	r := newTestRouter(sessions, &fakeFetcher{})

	reply := r.Handle(context.Background(), "c1", []byte(`{"type":"heartbeat"}`))
	assert.Equal(t, Heartbeat{Type: TypeHeartbeat, Timestamp: 1700000123}, reply)
	assert.Zero(t, sessions.acquires)
}

func TestMalformedAndUnknownRequests(t *testing.T) {
	sessions := &fakeSessions{}
	r := newTestRouter(sessions, &fakeFetcher{})

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{"type":`, CodeParseError},
		{"not an object", `42`, CodeParseError},
		{"missing type", `{"instrument":"BTCUSD"}`, CodeParseError},
		{"wrong field type", `{"type":7}`, CodeParseError},
		{"unknown type", `{"type":"subscribe","instrument":"BTCUSD"}`, CodeUnrecognizedRequest},
		{"missing instrument", `{"type":"fetch","timeframe":"1h"}`, CodeInvalidRequest},
		{"missing timeframe", `{"type":"fetch","instrument":"BTCUSD"}`, CodeInvalidRequest},
		{"unsupported timeframe", `{"type":"fetch","instrument":"BTCUSD","timeframe":"7m"}`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := r.Handle(context.Background(), "c1", []byte(tt.raw))
			msg, ok := reply.(ErrorMessage)
			require.True(t, ok, "got %T", reply)
			assert.Equal(t, TypeError, msg.Type)
			assert.Equal(t, tt.code, msg.Code)
			assert.NotEmpty(t, msg.Message)
		})
	}
	assert.Zero(t, sessions.acquires)
}

func TestFetchReturnsMarketUpdate(t *testing.T) {
	sessions := &fakeSessions{sessions: []domain.Session{{Token: "tok", Signature: "sig"}}}
	fetcher := &fakeFetcher{fn: func(int, domain.Session) ([]domain.Bar, error) { return sampleBars(), nil }}
	r := newTestRouter(sessions, fetcher)

	reply := r.Handle(context.Background(), "c1", []byte(`{"type":"fetch","instrument":"BTCUSD","timeframe":"1h"}`))
	assert.Equal(t, MarketUpdate{
		Type:       TypeMarketUpdate,
		Instrument: "BTCUSD",
		Timeframe:  "1h",
		Timestamp:  1700000123,
		Bars:       sampleBars(),
	}, reply)
	assert.Equal(t, 1, sessions.acquires)
	assert.Empty(t, sessions.invalidated)
}

func TestFetchEmptyBarsIsNotNull(t *testing.T) {
	sessions := &fakeSessions{sessions: []domain.Session{{Token: "tok"}}}
	fetcher := &fakeFetcher{fn: func(int, domain.Session) ([]domain.Bar, error) { return nil, nil }}
	r := newTestRouter(sessions, fetcher)

	reply := r.Handle(context.Background(), "c1", []byte(`{"type":"fetch","instrument":"BTCUSD","timeframe":"1w"}`))
	update, ok := reply.(MarketUpdate)
	require.True(t, ok)
	assert.NotNil(t, update.Bars)
	assert.Empty(t, update.Bars)
}

func TestFetchAuthErrorReauthenticatesOnce(t *testing.T) {
	stale := domain.Session{Token: "stale", Signature: "s1"}
	fresh := domain.Session{Token: "fresh", Signature: "s2"}
	sessions := &fakeSessions{sessions: []domain.Session{stale, fresh}}
	fetcher := &fakeFetcher{fn: func(_ int, s domain.Session) ([]domain.Bar, error) {
		if s.Token == "stale" {
			return nil, &provider.FetchError{Instrument: "BTCUSD", Cause: provider.ErrAuth}
		}
		return sampleBars(), nil
	}}
	r := newTestRouter(sessions, fetcher)

	reply := r.Handle(context.Background(), "c1", []byte(`{"type":"fetch","instrument":"BTCUSD","timeframe":"1h"}`))
	_, ok := reply.(MarketUpdate)
	require.True(t, ok, "got %+v", reply)

	assert.Equal(t, []domain.Session{stale}, sessions.invalidated)
	assert.Equal(t, 2, sessions.acquires)
	assert.Equal(t, []domain.Session{stale, fresh}, fetcher.calls)
}

func TestFetchPersistentAuthErrorSurfacesOneError(t *testing.T) {
	sessions := &fakeSessions{sessions: []domain.Session{{Token: "a"}, {Token: "b"}, {Token: "c"}}}
	fetcher := &fakeFetcher{fn: func(int, domain.Session) ([]domain.Bar, error) {
		return nil, &provider.FetchError{Instrument: "BTCUSD", Cause: fmt.Errorf("%w: HTTP 403", provider.ErrAuth)}
	}}
	r := newTestRouter(sessions, fetcher)

	reply := r.Handle(context.Background(), "c1", []byte(`{"type":"fetch","instrument":"BTCUSD","timeframe":"1h"}`))
	msg, ok := reply.(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, CodeFetchFailed, msg.Code)
	assert.Equal(t, "BTCUSD", msg.Instrument)

	assert.Len(t, sessions.invalidated, 1)
	assert.Equal(t, 2, sessions.acquires)
	assert.Len(t, fetcher.calls, 2)
}

func TestFetchProviderErrorKeepsSession(t *testing.T) {
	sessions := &fakeSessions{sessions: []domain.Session{{Token: "tok"}}}
	fetcher := &fakeFetcher{fn: func(int, domain.Session) ([]domain.Bar, error) {
		return nil, &provider.FetchError{Instrument: "NOPE", Cause: errors.New("unknown symbol")}
	}}
	r := newTestRouter(sessions, fetcher)

	reply := r.Handle(context.Background(), "c1", []byte(`{"type":"fetch","instrument":"NOPE","timeframe":"1d"}`))
	msg, ok := reply.(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, CodeFetchFailed, msg.Code)
	assert.Equal(t, "NOPE", msg.Instrument)
	assert.Contains(t, msg.Message, "unknown symbol")
	assert.Empty(t, sessions.invalidated)
}

func TestFetchLoginErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"rejected", &login.AuthRejectedError{Reason: "Invalid password"}, CodeAuthRejected},
		{"timed out", &login.TimedOutError{ObservedCookies: []string{"_ga"}}, CodeChallengeTimedOut},
		{"failed", &login.FailedError{Step: login.StateSelectEmailFlow, Cause: errors.New("boom")}, CodeLoginFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeSessions{err: tt.err}, &fakeFetcher{})
			reply := r.Handle(context.Background(), "c1", []byte(`{"type":"fetch","instrument":"ETHUSD","timeframe":"4h"}`))
			msg, ok := reply.(ErrorMessage)
			require.True(t, ok)
			assert.Equal(t, tt.code, msg.Code)
			assert.Equal(t, "ETHUSD", msg.Instrument)
		})
	}
}
