package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/quotebroker/internal/browser"
	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/ashureev/quotebroker/internal/metrics"
)

// State names a step of the challenge login.
type State string

const (
	StateLaunch          State = "launch"
	StateDismissConsent  State = "dismiss_consent"
	StateSelectEmailFlow State = "select_email_flow"
	StateFillCredentials State = "fill_credentials"
	StateSubmit          State = "submit"
	StatePollForSession  State = "poll_for_session"
	StateTeardown        State = "teardown"
)

const (
	defaultConsentTimeout = 3 * time.Second
	defaultStepRetryDelay = 500 * time.Millisecond
	stepAttempts          = 3
	releaseTimeout        = 30 * time.Second
)

// Selectors locate the sign in controls on the provider page.
type Selectors struct {
	Consent   string
	EmailFlow string
	Username  string
	Password  string
	Submit    string
}

// DefaultSelectors match the provider's sign in page.
var DefaultSelectors = Selectors{
	Consent:   `button[class*="acceptAll"]`,
	EmailFlow: `button[name="Email"]`,
	Username:  `#id_username`,
	Password:  `#id_password`,
	Submit:    `button[type="submit"]`,
}

// ChallengeConfig configures ChallengeLogin.
type ChallengeConfig struct {
	SignInURL       string
	SessionCookie   string
	SignatureCookie string
	PollInterval    time.Duration
	ElementTimeout  time.Duration
	ConsentTimeout  time.Duration
	StepRetryDelay  time.Duration
	Selectors       Selectors
}

// ChallengeLogin signs in through a controlled browser and waits for a human to
// clear whatever challenge the provider shows.
type ChallengeLogin struct {
	launcher browser.Launcher
	cfg      ChallengeConfig
}

// NewChallengeLogin creates a challenge login strategy.
func NewChallengeLogin(launcher browser.Launcher, cfg ChallengeConfig) *ChallengeLogin {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 30 * time.Second
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = defaultConsentTimeout
	}
	if cfg.StepRetryDelay <= 0 {
		cfg.StepRetryDelay = defaultStepRetryDelay
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors
	}
	return &ChallengeLogin{launcher: launcher, cfg: cfg}
}

// Attempt runs the browser sign in until a session is observed, a step fails,
// or deadline passes. The browser is released on every return path.
func (c *ChallengeLogin) Attempt(ctx context.Context, creds domain.Credentials, deadline time.Time) (domain.Session, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	slog.Info("Challenge login started", "state", StateLaunch, "deadline", deadline)
	b, err := c.launcher.Launch(ctx)
	if err != nil {
		metrics.BrowserLaunches.WithLabelValues("error").Inc()
		return domain.Session{}, c.fail(ctx, StateLaunch, err)
	}
	metrics.BrowserLaunches.WithLabelValues("ok").Inc()
	defer c.release(b)

	if err := b.Navigate(ctx, c.cfg.SignInURL); err != nil {
		return domain.Session{}, c.fail(ctx, StateLaunch, err)
	}

	c.dismissConsent(ctx, b)

	steps := []struct {
		state State
		run   func(context.Context, browser.Browser) error
	}{
		{StateSelectEmailFlow, c.selectEmailFlow},
		{StateFillCredentials, func(ctx context.Context, b browser.Browser) error { return c.fillCredentials(ctx, b, creds) }},
		{StateSubmit, c.submit},
	}
	for _, step := range steps {
		slog.Info("Challenge login step", "state", step.state)
		if err := c.retry(ctx, step.state, func() error { return step.run(ctx, b) }); err != nil {
			return domain.Session{}, c.fail(ctx, step.state, err)
		}
	}

	slog.Info("Challenge login waiting for session", "state", StatePollForSession, "interval", c.cfg.PollInterval)
	return c.pollForSession(ctx, b)
}

// fail maps a step error to the attempt result. Running out of time is always a timeout.
func (c *ChallengeLogin) fail(ctx context.Context, state State, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("Challenge login ran out of time", "state", state, "error", err)
		return &TimedOutError{}
	}
	slog.Warn("Challenge login step failed", "state", state, "error", err)
	return &FailedError{Step: state, Cause: err}
}

// retry reruns fn after transient failures. A missing element is not transient.
func (c *ChallengeLogin) retry(ctx context.Context, state State, fn func() error) error {
	var err error
	for attempt := 1; attempt <= stepAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, browser.ErrNotFound) || ctx.Err() != nil || attempt == stepAttempts {
			break
		}
		slog.Debug("Challenge step failed, retrying", "state", state, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.cfg.StepRetryDelay):
		}
	}
	return err
}

func (c *ChallengeLogin) release(b browser.Browser) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	metrics.BrowserReleases.Inc()
	if err := b.Release(ctx); err != nil {
		slog.Warn("Failed to release browser", "state", StateTeardown, "error", err)
		return
	}
	slog.Info("Browser released", "state", StateTeardown)
}

// dismissConsent clicks the cookie banner if one shows up. It never fails.
func (c *ChallengeLogin) dismissConsent(ctx context.Context, b browser.Browser) {
	el, err := b.Locate(ctx, c.cfg.Selectors.Consent, c.cfg.ConsentTimeout)
	if err != nil {
		slog.Debug("No consent banner", "state", StateDismissConsent)
		return
	}
	if err := el.Click(ctx); err != nil {
		slog.Debug("Consent banner click failed", "state", StateDismissConsent, "error", err)
		return
	}
	slog.Info("Consent banner dismissed", "state", StateDismissConsent)
}

func (c *ChallengeLogin) selectEmailFlow(ctx context.Context, b browser.Browser) error {
	return c.click(ctx, b, c.cfg.Selectors.EmailFlow)
}

func (c *ChallengeLogin) submit(ctx context.Context, b browser.Browser) error {
	return c.click(ctx, b, c.cfg.Selectors.Submit)
}

func (c *ChallengeLogin) click(ctx context.Context, b browser.Browser, selector string) error {
	el, err := b.Locate(ctx, selector, c.cfg.ElementTimeout)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		return err
	}
	return el.Click(ctx)
}

func (c *ChallengeLogin) fillCredentials(ctx context.Context, b browser.Browser, creds domain.Credentials) error {
	fields := []struct {
		selector string
		value    string
	}{
		{c.cfg.Selectors.Username, creds.Username},
		{c.cfg.Selectors.Password, creds.Password},
	}
	for _, f := range fields {
		el, err := b.Locate(ctx, f.selector, c.cfg.ElementTimeout)
		if err != nil {
			return err
		}
		if err := el.ScrollIntoView(ctx); err != nil {
			return err
		}
		if err := el.Clear(ctx); err != nil {
			return err
		}
		if err := el.Type(ctx, f.value); err != nil {
			return fmt.Errorf("enter %s: %w", f.selector, err)
		}
	}
	return nil
}

// pollForSession observes the browser until both session cookies are set and the
// page has left the sign in URL in the same observation.
func (c *ChallengeLogin) pollForSession(ctx context.Context, b browser.Browser) (domain.Session, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	observed := make(map[string]struct{})
	for polls := 1; ; polls++ {
		if session, ok := c.observe(ctx, b, observed); ok {
			slog.Info("Challenge login succeeded", "polls", polls)
			return session, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				names := sortedNames(observed)
				slog.Warn("Challenge login timed out", "polls", polls, "observed_cookies", names)
				return domain.Session{}, &TimedOutError{ObservedCookies: names}
			}
			return domain.Session{}, &FailedError{Step: StatePollForSession, Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// observe takes one snapshot. Read errors are treated as "not yet".
func (c *ChallengeLogin) observe(ctx context.Context, b browser.Browser, observed map[string]struct{}) (domain.Session, bool) {
	location, err := b.CurrentLocation(ctx)
	if err != nil {
		slog.Debug("Location read failed", "error", err)
		return domain.Session{}, false
	}
	cookies, err := b.ReadCookies(ctx)
	if err != nil {
		slog.Debug("Cookie read failed", "error", err)
		return domain.Session{}, false
	}

	var session domain.Session
	for _, ck := range cookies {
		observed[ck.Name] = struct{}{}
		switch ck.Name {
		case c.cfg.SessionCookie:
			session.Token = ck.Value
		case c.cfg.SignatureCookie:
			session.Signature = ck.Value
		}
	}

	if session.Token == "" || session.Signature == "" || !c.leftSignIn(location) {
		return domain.Session{}, false
	}
	session.EstablishedAt = time.Now()
	return session, true
}

// leftSignIn reports whether location is a real page other than the sign in page.
func (c *ChallengeLogin) leftSignIn(location string) bool {
	if location == "" || location == "about:blank" {
		return false
	}

	loc, err := url.Parse(location)
	if err != nil {
		return false
	}
	signIn, err := url.Parse(c.cfg.SignInURL)
	if err != nil {
		return !strings.HasPrefix(location, c.cfg.SignInURL)
	}

	if !strings.EqualFold(loc.Host, signIn.Host) {
		return true
	}
	signInPath := strings.TrimSuffix(signIn.Path, "/")
	path := strings.TrimSuffix(loc.Path, "/")
	if path == signInPath {
		return false
	}
	// Only pages below the sign in path count as sign in, not siblings sharing its prefix.
	return signInPath == "" || !strings.HasPrefix(path, signInPath+"/")
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
