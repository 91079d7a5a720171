// Package store persists login diagnostics.
package store

import (
	"context"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
)

// Repository defines the interface for persisting login attempts.
type Repository interface {
	// RecordLoginAttempt stores an attempt and sets its ID.
	RecordLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error

	// RecentLoginAttempts returns up to limit attempts, newest first.
	RecentLoginAttempts(ctx context.Context, limit int) ([]*domain.LoginAttempt, error)

	// PruneLoginAttempts deletes attempts that finished before the cutoff.
	PruneLoginAttempts(ctx context.Context, olderThan time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
