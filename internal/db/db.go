// Package db is the persistence layer: typed query methods over a narrow
// DBTX interface, in the same shape sqlc would generate, so the same
// Queries type runs equally well over the shared pool or over a single
// transaction/connection acquired for row-level locking.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx, and *pgx.Conn, so callers can
// run a Queries method against the shared pool for simple reads/writes, or
// against a transaction when they need row-level locking across several
// statements (see the Token Pool's dispense transaction).
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries provides all persistence-layer operations.
type Queries struct {
	db DBTX
}

// New creates a Queries bound to the given DBTX (pool, transaction, or connection).
func New(dbtx DBTX) *Queries {
	return &Queries{db: dbtx}
}

// WithTx returns a copy of q bound to a different DBTX, typically a pgx.Tx
// acquired by the caller for a multi-statement transaction.
func (q *Queries) WithTx(tx DBTX) *Queries {
	return &Queries{db: tx}
}
