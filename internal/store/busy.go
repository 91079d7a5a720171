package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// IsBusyError reports whether err is a SQLITE_BUSY or "database is locked" error.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs fn, retrying with exponential backoff while the database is busy.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsBusyError(err) || i == busyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
