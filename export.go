package gtfs2db

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Export writes the feed tables of store to a GTFS zip archive at
// outputPath. Derived columns are left out and empty tables are skipped, so
// the archive can be ingested again.
func Export(ctx context.Context, store Store, outputPath string) error {
	if outputPath == "" {
		return fmt.Errorf("export: missing output path")
	}

	slog.Info(fmt.Sprintf("Exporting to %s", outputPath))

	outputF, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	outputZip := zip.NewWriter(outputF)
	defer func() {
		_ = outputZip.Close()
		_ = outputF.Close()
	}()

	for _, e := range entities {
		table := lookupTable(e.Table)

		var rowCount int64
		err := store.Query(ctx, "SELECT COUNT(*) FROM "+table.Name, func(row Row) error {
			rowCount = row.Int64(0)
			return nil
		})
		if err != nil {
			return err
		}
		if rowCount == 0 {
			continue
		}

		f, err := outputZip.Create(e.File)
		if err != nil {
			return err
		}
		n, err := writeRelation(ctx, store, f, table.Name, columnNamesOf(table.feedColumns()), strings.Join(table.PrimaryKey, ", "))
		if err != nil {
			return fmt.Errorf("export %s: %w", e.File, err)
		}
		slog.Info(fmt.Sprintf("Wrote %d rows to %s", n, e.File))
	}

	if err := outputZip.Close(); err != nil {
		return err
	}
	if err := outputF.Close(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}

// DumpCSV writes a table or analytics view to w as CSV with a header row,
// in a stable order.
func DumpCSV(ctx context.Context, store Store, w io.Writer, name string) error {
	if v, ok := lookupView(name); ok {
		_, err := writeRelation(ctx, store, w, v.Name, v.Columns, v.OrderBy)
		return err
	}
	for _, table := range gtfsSchema {
		if table.Name == name {
			_, err := writeRelation(ctx, store, w, table.Name, columnNamesOf(table.feedColumns()), strings.Join(table.PrimaryKey, ", "))
			return err
		}
	}
	return fmt.Errorf("dump: unknown table or view %q", name)
}

func writeRelation(ctx context.Context, store Store, w io.Writer, name string, columns []string, orderBy string) (int, error) {
	out := csv.NewWriter(w)
	if err := out.Write(columns); err != nil {
		return 0, err
	}

	rowCount := 0
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(columns, ", "), name, orderBy)
	err := store.Query(ctx, query, func(row Row) error {
		record := make([]string, len(columns))
		for i := range columns {
			record[i] = row.Text(i)
		}
		rowCount++
		return out.Write(record)
	})
	if err != nil {
		return rowCount, err
	}

	out.Flush()
	return rowCount, out.Error()
}

func columnNamesOf(columns []columnSchema) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}
