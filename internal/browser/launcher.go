package browser

import (
	"context"
	"log/slog"

	"github.com/chromedp/chromedp"
)

// ExecLauncher starts a local Chrome or Chromium process for each launch.
type ExecLauncher struct {
	ExecPath string
	Headless bool
}

// Launch starts a new browser process.
func (l *ExecLauncher) Launch(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(windowWidth, windowHeight),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	// The allocator outlives ctx; the browser is torn down by Release.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	b, err := start(ctx, allocCtx, allocCancel, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("Browser launched", "mode", "local", "headless", l.Headless)
	return b, nil
}

// RemoteLauncher attaches to an already running browser over the DevTools protocol.
// Each launch opens a new tab that is closed on release.
type RemoteLauncher struct {
	URL string
}

// Launch opens a tab on the remote browser.
func (l *RemoteLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), l.URL)
	b, err := start(ctx, allocCtx, allocCancel, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("Browser attached", "mode", "remote", "url", l.URL)
	return b, nil
}
