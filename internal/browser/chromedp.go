package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const (
	defaultActionTimeout = 10 * time.Second
	windowWidth          = 1280
	windowHeight         = 900
)

// cdpBrowser is a Browser backed by a chromedp tab.
type cdpBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	teardown    func(context.Context) error

	releaseOnce sync.Once
	releaseErr  error
}

// start opens the first tab on the allocator and blocks until the browser answers.
// On failure every resource it was handed is released.
func start(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc, teardown func(context.Context) error) (*cdpBrowser, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx)
	stop()

	if err != nil {
		tabCancel()
		allocCancel()
		if teardown != nil {
			_ = teardown(context.Background())
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &cdpBrowser{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		teardown:    teardown,
	}, nil
}

// scoped derives an operation context from the tab that also ends when ctx ends.
func (b *cdpBrowser) scoped(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var opCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(b.ctx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(b.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (b *cdpBrowser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := b.scoped(ctx, timeout)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (b *cdpBrowser) Navigate(ctx context.Context, url string) error {
	if err := b.run(ctx, 0, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (b *cdpBrowser) Locate(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	err := b.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
		}
		return nil, fmt.Errorf("locate %s: %w", selector, err)
	}
	return &cdpElement{b: b, selector: selector}, nil
}

func (b *cdpBrowser) ReadCookies(ctx context.Context) ([]domain.Cookie, error) {
	var raw []*network.Cookie
	err := b.run(ctx, defaultActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]domain.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, domain.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}

func (b *cdpBrowser) CurrentLocation(ctx context.Context) (string, error) {
	var loc string
	if err := b.run(ctx, defaultActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Release closes the browser and runs the launcher teardown. Later calls return
// the result of the first.
func (b *cdpBrowser) Release(ctx context.Context) error {
	b.releaseOnce.Do(func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		// chromedp.Cancel waits for the browser to exit; fall back to a hard cancel.
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(b.ctx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				b.releaseErr = fmt.Errorf("close browser: %w", err)
			}
		case <-closeCtx.Done():
			b.releaseErr = fmt.Errorf("close browser: %w", closeCtx.Err())
		}
		b.cancel()
		b.allocCancel()

		if b.teardown != nil {
			if err := b.teardown(ctx); err != nil {
				b.releaseErr = errors.Join(b.releaseErr, err)
			}
		}
	})
	return b.releaseErr
}

// cdpElement addresses an element by its selector.
type cdpElement struct {
	b        *cdpBrowser
	selector string
}

func (e *cdpElement) ScrollIntoView(ctx context.Context) error {
	return e.do(ctx, "scroll", chromedp.ScrollIntoView(e.selector, chromedp.ByQuery))
}

func (e *cdpElement) Click(ctx context.Context) error {
	return e.do(ctx, "click", chromedp.Click(e.selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (e *cdpElement) Clear(ctx context.Context) error {
	return e.do(ctx, "clear", chromedp.Clear(e.selector, chromedp.ByQuery))
}

func (e *cdpElement) Type(ctx context.Context, text string) error {
	return e.do(ctx, "type into", chromedp.SendKeys(e.selector, text, chromedp.ByQuery))
}

func (e *cdpElement) do(ctx context.Context, verb string, action chromedp.Action) error {
	if err := e.b.run(ctx, defaultActionTimeout, action); err != nil {
		return fmt.Errorf("%s %s: %w", verb, e.selector, err)
	}
	return nil
}
