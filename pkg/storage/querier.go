// Package storage provides the narrow database access interfaces the
// Postgres-backed stores depend on, so a caller can pass either a *sql.DB
// or an in-flight *sql.Tx wherever a Querier is expected.
package storage

import (
	"context"
	"database/sql"
)

// Querier abstracts database query execution, satisfied by both *sql.DB
// and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
