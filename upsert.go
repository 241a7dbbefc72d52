package gtfs2db

import (
	"context"
	"fmt"
	"strings"
)

// DefaultBatchSize is the number of rows sent to the store per flush.
const DefaultBatchSize = 5000

// upsertSQL renders an insert that overwrites every non-key column of an
// existing row with the same primary key. Tables keyed on all of their
// columns have nothing to update and ignore the duplicate instead.
func upsertSQL(d dialect, table *tableSchema) string {
	placeholders := make([]string, len(table.Columns))
	var updates []string
	for i, c := range table.Columns {
		placeholders[i] = d.valuePlaceholder(c, i+1)
		if !table.isKey(c.Name) {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
		}
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table.Name,
		strings.Join(table.columnNames(), ", "),
		strings.Join(placeholders, ", "),
		strings.Join(table.PrimaryKey, ", "),
		conflict)
}

// batchWriter buffers rows for one table inside a transaction and flushes
// them in chunks of size.
type batchWriter struct {
	tx      Tx
	query   string
	size    int
	pending [][]any
	written int
}

func newBatchWriter(tx Tx, d dialect, table *tableSchema, size int) *batchWriter {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &batchWriter{
		tx:      tx,
		query:   upsertSQL(d, table),
		size:    size,
		pending: make([][]any, 0, min(size, 1024)),
	}
}

func (w *batchWriter) add(ctx context.Context, row []any) error {
	w.pending = append(w.pending, row)
	if len(w.pending) >= w.size {
		return w.flush(ctx)
	}
	return nil
}

func (w *batchWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.tx.UpsertBatch(ctx, w.query, w.pending); err != nil {
		return err
	}
	w.written += len(w.pending)
	w.pending = w.pending[:0]
	return nil
}

// UpsertRows writes rows to table in a single transaction. Each row holds
// one value per column, in schema order.
func UpsertRows(ctx context.Context, store Store, table string, rows [][]any, batchSize int) error {
	schema := lookupTable(table)
	for i, row := range rows {
		if len(row) != len(schema.Columns) {
			return fmt.Errorf("upsert %s: row %d has %d values, want %d", table, i, len(row), len(schema.Columns))
		}
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert %s: begin: %w", table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w := newBatchWriter(tx, store.dialect(), schema, batchSize)
	for _, row := range rows {
		if err := w.add(ctx, row); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	if err := w.flush(ctx); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return tx.Commit(ctx)
}
