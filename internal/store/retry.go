package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/setfarm/engine/internal/models"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryWithBackoff wraps an operation with exponential backoff retry logic.
// Retries on transient SQLite errors (SQLITE_BUSY, "database is locked").
// Does not retry on optimistic-concurrency conflicts or constraint violations
// — those signal a real race the caller must resolve by reloading state.
func RetryWithBackoff(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := operation()
		if err == nil {
			return nil
		}

		if isRetryableError(err) {
			return err // will be retried
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// isRetryableError determines if an error should be retried.
//
// Uses typed sqlite.Error code matching first (belt), then string matching
// as a fallback for wrapped errors that may lose the concrete type (suspenders).
func isRetryableError(err error) bool {
	if errors.Is(err, ErrIdempotencyInProgress) {
		return true
	}

	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Primary code is lower 8 bits; extended codes carry subtype in upper bits.
		primaryCode := sqliteErr.Code() & 0xFF
		switch primaryCode {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return false
		}
	}

	// Fallback: string matching for wrapped errors that lose the concrete type.
	// Baseline: modernc.org/sqlite v1.45+. Update if error format changes.
	errStr := err.Error()
	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") {
		return true
	}
	if strings.Contains(errStr, "UNIQUE constraint") ||
		strings.Contains(errStr, "FOREIGN KEY constraint") ||
		strings.Contains(errStr, "version conflict") {
		return false
	}

	return false
}

// IsVersionConflict checks if an error is an optimistic-concurrency conflict.
func IsVersionConflict(err error) bool {
	if err == nil {
		return false
	}
	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	return strings.Contains(err.Error(), "version conflict")
}
