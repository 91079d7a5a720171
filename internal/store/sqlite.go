package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps the status API readable while attempts are written.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS login_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		observed_cookies TEXT NOT NULL DEFAULT '[]',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_login_attempts_finished ON login_attempts(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordLoginAttempt inserts a login attempt. Busy databases are retried.
func (s *SQLiteStore) RecordLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error {
	cookies := attempt.ObservedCookies
	if cookies == nil {
		cookies = []string{}
	}
	cookiesJSON, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("encode observed cookies: %w", err)
	}

	query := `
	INSERT INTO login_attempts (method, outcome, detail, observed_cookies, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return withBusyRetry(ctx, "record login attempt", func() error {
		result, err := s.db.ExecContext(ctx, query,
			attempt.Method, attempt.Outcome, attempt.Detail, string(cookiesJSON),
			attempt.StartedAt.UnixMilli(), attempt.FinishedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert login attempt: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get login attempt id: %w", err)
		}
		attempt.ID = id
		return nil
	})
}

// RecentLoginAttempts returns the newest attempts first.
func (s *SQLiteStore) RecentLoginAttempts(ctx context.Context, limit int) ([]*domain.LoginAttempt, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	query := `
		SELECT id, method, outcome, detail, observed_cookies, started_at, finished_at
		FROM login_attempts ORDER BY finished_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query login attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close login attempt rows", "error", closeErr)
		}
	}()

	attempts := make([]*domain.LoginAttempt, 0, limit)
	for rows.Next() {
		var a domain.LoginAttempt
		var cookiesJSON string
		var startedAt, finishedAt int64

		if err := rows.Scan(&a.ID, &a.Method, &a.Outcome, &a.Detail, &cookiesJSON, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan login attempt row: %w", err)
		}
		if err := json.Unmarshal([]byte(cookiesJSON), &a.ObservedCookies); err != nil {
			return nil, fmt.Errorf("decode observed cookies for attempt %d: %w", a.ID, err)
		}
		a.StartedAt = time.UnixMilli(startedAt)
		a.FinishedAt = time.UnixMilli(finishedAt)
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}

	return attempts, nil
}

// PruneLoginAttempts removes attempts that finished before olderThan.
func (s *SQLiteStore) PruneLoginAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := withBusyRetry(ctx, "prune login attempts", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE finished_at < ?`, olderThan.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete login attempts: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
