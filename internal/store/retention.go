package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = time.Hour

// StartRetentionWorker runs a background goroutine that prunes login attempts
// older than retention. It sweeps once at start and then every interval.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	startRetentionWorker(ctx, repo, retention, retentionWorkerInterval)
}

func startRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		pruneLoginAttempts(ctx, repo, retention)
		for {
			select {
			case <-ticker.C:
				pruneLoginAttempts(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneLoginAttempts(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PruneLoginAttempts(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Retention worker failed to prune login attempts", "error", err)
		}
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned login attempts", "count", deleted)
	}
}
