package gtfs2db

import (
	"context"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"errors"
	"fmt"
	"log/slog"
)

var sqlitePragmas = []struct{ name, value string }{
	{"synchronous", "OFF"},
	{"foreign_keys", "OFF"},
}

// SQLiteStore is a Store backed by a single SQLite connection.
type SQLiteStore struct {
	conn *sqlite.Conn
	path string
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: missing database path")
	}

	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	for _, pragma := range sqlitePragmas {
		err = sqlitex.ExecTransient(conn, "PRAGMA "+pragma.name+" = "+pragma.value, sqlitexNoop)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlite: pragma %s: %w", pragma.name, err)
		}
	}

	slog.Debug(fmt.Sprintf("Opened %s", path))
	return &SQLiteStore{conn: conn, path: path}, nil
}

func (s *SQLiteStore) dialect() dialect { return sqliteDialect{} }

func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) error {
	defer s.interrupt(ctx)()
	return sqlitex.ExecTransient(s.conn, query, sqlitexNoop, args...)
}

func (s *SQLiteStore) Query(ctx context.Context, query string, fn func(row Row) error, args ...any) error {
	defer s.interrupt(ctx)()
	return sqlitex.Exec(s.conn, query, func(stmt *sqlite.Stmt) error {
		return fn(sqliteRow{stmt})
	}, args...)
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.Exec(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	return &sqliteTx{store: s}, nil
}

func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// interrupt aborts in-flight statements when ctx is done and returns a
// function restoring the previous interrupt channel.
func (s *SQLiteStore) interrupt(ctx context.Context) func() {
	prev := s.conn.SetInterrupt(ctx.Done())
	return func() { s.conn.SetInterrupt(prev) }
}

type sqliteTx struct {
	store *SQLiteStore
	done  bool
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) error {
	return t.store.Exec(ctx, query, args...)
}

func (t *sqliteTx) UpsertBatch(ctx context.Context, query string, rows [][]any) error {
	defer t.store.interrupt(ctx)()

	stmt, err := t.store.conn.Prepare(query)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Reset() }()

	for _, row := range rows {
		if err := stmt.Reset(); err != nil {
			return err
		}
		if err := stmt.ClearBindings(); err != nil {
			return err
		}
		for i, v := range row {
			if err := bindSQLite(stmt, i+1, v); err != nil {
				return err
			}
		}
		for {
			rowReturned, err := stmt.Step()
			if err != nil {
				return err
			}
			if !rowReturned {
				break
			}
		}
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("sqlite: transaction already finished")
	}
	if err := t.store.Exec(ctx, "COMMIT"); err != nil {
		return err
	}
	t.done = true
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	// Run without the caller's context so a cancelled run still rolls back
	return t.store.Exec(context.Background(), "ROLLBACK")
}

func bindSQLite(stmt *sqlite.Stmt, param int, v any) error {
	switch v := v.(type) {
	case nil:
		stmt.BindNull(param)
	case string:
		stmt.BindText(param, v)
	case int64:
		stmt.BindInt64(param, v)
	case int:
		stmt.BindInt64(param, int64(v))
	case float64:
		stmt.BindFloat(param, v)
	default:
		return fmt.Errorf("sqlite: cannot bind %T to parameter %d", v, param)
	}
	return nil
}

type sqliteRow struct {
	stmt *sqlite.Stmt
}

func (r sqliteRow) Text(col int) string { return r.stmt.ColumnText(col) }
func (r sqliteRow) Int64(col int) int64 { return r.stmt.ColumnInt64(col) }
func (r sqliteRow) Float(col int) float64 { return r.stmt.ColumnFloat(col) }
func (r sqliteRow) IsNull(col int) bool { return r.stmt.ColumnType(col) == sqlite.SQLITE_NULL }

func sqlitexNoop(*sqlite.Stmt) error { return nil }
