package gtfs2db

import (
	"context"
	"fmt"
)

// Store is a session against one relational backend. A Store is scoped to a
// single ingestion run: open it, pass it to Ingest, close it. Stores are not
// safe for concurrent use.
type Store interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) error
	// Query calls fn for every result row.
	Query(ctx context.Context, query string, fn func(row Row) error, args ...any) error
	Begin(ctx context.Context) (Tx, error)
	Close() error

	dialect() dialect
}

// Tx is an open transaction. Rollback after Commit is a no-op.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) error
	// UpsertBatch executes query once per row, in order.
	UpsertBatch(ctx context.Context, query string, rows [][]any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Row is a result row. Columns are addressed by position.
type Row interface {
	Text(col int) string
	Int64(col int) int64
	Float(col int) float64
	IsNull(col int) bool
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresURL(), cfg.Schema)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
