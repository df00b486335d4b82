// Package db contains the agent's database layer: the pgx connection pool for
// the hot write paths, the LISTEN/NOTIFY command subscription, the machine
// state repository, the dual-mode telemetry writer, and the gorm-backed
// metadata store for parameters and recipes.
//
// The split mirrors how the two access styles are used: pgx for bulk inserts,
// conditional updates, and notifications where direct SQL control matters;
// gorm for the low-frequency metadata reads where model mapping is worth
// more than raw speed.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultOpTimeout bounds a single database operation when the caller's
// context carries no earlier deadline.
const DefaultOpTimeout = 5 * time.Second

// Querier is the minimal SQL surface the repositories need. *Postgres
// implements it; tests substitute fakes.
type Querier interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Postgres wraps a pgx connection pool with per-operation timeouts.
type Postgres struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// NewPostgres creates a pooled connection from a standard PostgreSQL
// connection string and verifies it with a ping.
func NewPostgres(ctx context.Context, connString string, opTimeout time.Duration) (*Postgres, error) {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, opTimeout: opTimeout}, nil
}

// Close closes the pool.
func (db *Postgres) Close() {
	db.pool.Close()
}

// Pool returns the underlying pool for the notification listener.
func (db *Postgres) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping verifies connectivity; used by the health endpoint.
func (db *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.pool.Ping(ctx)
}

func (db *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.opTimeout)
}

// Exec runs a statement and returns the affected row count.
func (db *Postgres) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QueryRow runs a single-row query. No internal timeout is applied because
// pgx executes the query lazily at Scan; callers pass a bounded context.
func (db *Postgres) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Query runs a multi-row query. The caller must close the rows.
func (db *Postgres) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}
