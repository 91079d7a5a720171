// Package browser drives a real browser instance for human-gated sign in flows.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
)

// ErrNotFound is returned by Locate when the selector did not become visible in time.
var ErrNotFound = errors.New("element not found")

// Browser is a controlled browser instance. It is owned by exactly one caller
// and must be released exactly once.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Locate(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	ReadCookies(ctx context.Context) ([]domain.Cookie, error)
	CurrentLocation(ctx context.Context) (string, error)
	Release(ctx context.Context) error
}

// Element is a located, visible page element.
type Element interface {
	ScrollIntoView(ctx context.Context) error
	Click(ctx context.Context) error
	Clear(ctx context.Context) error
	Type(ctx context.Context, text string) error
}

// Launcher acquires fresh browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}
