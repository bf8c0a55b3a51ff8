package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgxPool is the subset of *pgxpool.Pool used by DB. pgxmock.PgxPoolIface
// satisfies it too, which is how the SQL is tested without a server.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB is the PostgreSQL-backed Store.
type DB struct {
	Pool     PgxPool
	attempts int
}

var _ Store = (*DB)(nil)

// txOptions pins every unit of work to repeatable read. Dedup and orphan
// collection both read-then-write and rely on the snapshot staying put.
var txOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string, attempts int) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return NewWithPool(pool, attempts), nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool PgxPool, attempts int) *DB {
	if attempts <= 0 {
		attempts = DefaultTxAttempts
	}
	return &DB{Pool: pool, attempts: attempts}
}

// Migrate applies all pending goose migrations embedded in the binary.
func Migrate(ctx context.Context, databaseURL string) error {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// InTx implements Store.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runWithRetry(ctx, db.attempts, func(ctx context.Context) error {
		return db.runOnce(ctx, fn)
	})
}

func (db *DB) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(ctx, &pgTx{tx: tx})
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
