package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal pgxpool.Pool surface the repo package depends on,
// so tests can substitute a fake without standing up real Postgres.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// poolAdapter adapts a *pgxpool.Pool to PgxPool.
type poolAdapter struct{ pool *pgxpool.Pool }

// NewPoolAdapter wraps pool so it satisfies PgxPool.
func NewPoolAdapter(pool *pgxpool.Pool) PgxPool { return &poolAdapter{pool: pool} }

func (a *poolAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return a.pool.Exec(ctx, sql, args...)
}

func (a *poolAdapter) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return a.pool.Query(ctx, sql, args...)
}

func (a *poolAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return a.pool.QueryRow(ctx, sql, args...)
}

func (a *poolAdapter) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return a.pool.BeginTx(ctx, opts)
}
