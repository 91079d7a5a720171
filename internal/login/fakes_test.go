package login

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/quotebroker/internal/browser"
	"github.com/ashureev/quotebroker/internal/domain"
)

const testSignIn = "https://provider.test/accounts/signin/"

// snapshot is what the fake browser shows on one poll.
type snapshot struct {
	location string
	cookies  []domain.Cookie
}

type fakeBrowser struct {
	mu        sync.Mutex
	releases  int
	polls     int
	navigated []string
	clicked   []string
	typed     map[string]string

	missing   map[string]bool
	transient map[string]int
	script    func(poll int) snapshot
	panicAt   int
}

func newFakeBrowser(script func(poll int) snapshot) *fakeBrowser {
	return &fakeBrowser{
		typed:     make(map[string]string),
		missing:   map[string]bool{DefaultSelectors.Consent: true},
		transient: make(map[string]int),
		script:    script,
	}
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, url)
	return nil
}

func (b *fakeBrowser) Locate(ctx context.Context, selector string, _ time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.missing[selector] {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
	}
	if b.transient[selector] > 0 {
		b.transient[selector]--
		return nil, errors.New("node is detached from document")
	}
	return &fakeElement{b: b, selector: selector}, nil
}

func (b *fakeBrowser) CurrentLocation(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.polls++
	poll := b.polls
	b.mu.Unlock()

	if b.panicAt > 0 && poll == b.panicAt {
		panic("devtools connection lost")
	}
	return b.script(poll).location, nil
}

func (b *fakeBrowser) ReadCookies(ctx context.Context) ([]domain.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	poll := b.polls
	b.mu.Unlock()
	return b.script(poll).cookies, nil
}

func (b *fakeBrowser) Release(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBrowser) releaseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releases
}

func (b *fakeBrowser) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

type fakeElement struct {
	b        *fakeBrowser
	selector string
}

func (e *fakeElement) ScrollIntoView(context.Context) error { return nil }

func (e *fakeElement) Click(context.Context) error {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	e.b.clicked = append(e.b.clicked, e.selector)
	return nil
}

func (e *fakeElement) Clear(context.Context) error {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	delete(e.b.typed, e.selector)
	return nil
}

func (e *fakeElement) Type(_ context.Context, text string) error {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	e.b.typed[e.selector] += text
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	browser  *fakeBrowser
	err      error
	launches int
}

func (l *fakeLauncher) Launch(context.Context) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

func newTestChallenge(l browser.Launcher) *ChallengeLogin {
	return NewChallengeLogin(l, ChallengeConfig{
		SignInURL:       testSignIn,
		SessionCookie:   "sessionid",
		SignatureCookie: "sessionid_sign",
		PollInterval:    5 * time.Millisecond,
		ElementTimeout:  50 * time.Millisecond,
		StepRetryDelay:  time.Millisecond,
	})
}

func authCookies() []domain.Cookie {
	return []domain.Cookie{
		{Name: "_ga", Value: "GA1.1"},
		{Name: "sessionid", Value: "abc"},
		{Name: "sessionid_sign", Value: "xyz"},
	}
}
