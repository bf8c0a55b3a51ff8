package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTxAttempts bounds how many times a conflicting unit of work runs.
const DefaultTxAttempts = 5

// SQLSTATE codes that mean "another transaction got there first".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// IsRetryable reports whether err belongs to the conflict class that the
// transaction coordinator absorbs. Unique violations are included: two
// writers racing to insert the same content hash or link path both read
// "absent", and the loser must re-read to find the winner's row.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		switch pg.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return true
		}
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == codeForeignKeyViolation
}

// runWithRetry calls once until it succeeds, fails with a non-conflict
// error, or attempts run out.
func runWithRetry(ctx context.Context, attempts int, once func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := once(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		slog.Warn("transaction conflict",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
