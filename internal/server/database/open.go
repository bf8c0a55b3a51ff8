package database

import (
	"context"
	"log/slog"
	"strings"
)

// MemoryURL selects the in-process store.
const MemoryURL = "memory://"

// Open returns the store named by databaseURL. Postgres URLs are migrated
// to the latest schema before the pool is returned.
func Open(ctx context.Context, databaseURL string, attempts int) (Store, error) {
	if strings.HasPrefix(databaseURL, MemoryURL) {
		slog.Warn("using in-memory store, data will not survive a restart")
		return NewMemoryStore(attempts), nil
	}

	if err := Migrate(ctx, databaseURL); err != nil {
		return nil, err
	}
	slog.Info("database migrations complete")

	return New(ctx, databaseURL, attempts)
}
