package gtfs2db

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"log/slog"
	"time"
)

// DefaultGridSize is the stop density cell size in degrees.
const DefaultGridSize = 0.01

type IngestOpts struct {
	BatchSize int
	GridSize  float64
	Reader    *TableReader
	Logger    *slog.Logger
	Metrics   *Metrics

	// RunID identifies the run in logs, metrics and reports. Generated when
	// empty.
	RunID string
}

func (o *IngestOpts) withDefaults() IngestOpts {
	var opts IngestOpts
	if o != nil {
		opts = *o
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.GridSize <= 0 {
		opts.GridSize = DefaultGridSize
	}
	if opts.Reader == nil {
		opts.Reader = &TableReader{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Ingest loads the feed at feedPath into store, rebuilds the analytics views
// and verifies the result. Only a feed that cannot be located or a schema
// that cannot be created fails the run; every other problem is recorded in
// the returned summary. The summary is returned in both cases.
func Ingest(ctx context.Context, store Store, feedPath string, o *IngestOpts) (*Summary, error) {
	opts := o.withDefaults()
	log := opts.Logger.With("run_id", opts.RunID)

	summary := &Summary{
		RunID:     opts.RunID,
		Feed:      feedPath,
		StartedAt: time.Now().UTC(),
	}
	fatal := func(err error) (*Summary, error) {
		summary.Errors = append(summary.Errors, err.Error())
		summary.FinishedAt = time.Now().UTC()
		log.Error(fmt.Sprintf("Ingestion of %s failed: %s", feedPath, err))
		reportRunFailure(opts.RunID, feedPath, err)
		return summary, err
	}

	log.Info(fmt.Sprintf("Ingesting %s", feedPath))

	src, err := LocateSource(feedPath)
	if err != nil {
		return fatal(err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn(fmt.Sprintf("Failed to clean up %s: %s", src.Dir, err))
		}
	}()
	summary.SourceKind = src.Kind.String()

	if err := EnsureSchema(ctx, store); err != nil {
		return fatal(err)
	}

	for _, e := range entities {
		res := loadEntity(ctx, store, src, e, &opts, log)
		opts.Metrics.observeEntity(res)
		switch res.Status {
		case StatusSkipped:
			summary.Skipped = append(summary.Skipped, res.File)
		case StatusFailed:
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", res.Entity, res.Error))
			reportEntityFailure(opts.RunID, res)
		}
		summary.Entities = append(summary.Entities, res)
	}

	if err := BuildViews(ctx, store, opts.GridSize); err != nil {
		log.Error(fmt.Sprintf("Failed to build views: %s", err))
		summary.Errors = append(summary.Errors, err.Error())
	} else {
		summary.ViewsBuilt = true
	}

	verification, err := Verify(ctx, store)
	if err != nil {
		log.Error(fmt.Sprintf("Failed to verify: %s", err))
		summary.Errors = append(summary.Errors, err.Error())
	} else {
		summary.Verification = verification
		for _, warning := range verification.Warnings {
			log.Warn(warning)
		}
	}

	summary.FinishedAt = time.Now().UTC()
	log.Info(fmt.Sprintf("Ingested %s in %s", feedPath, summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond)),
		"loaded", summary.count(StatusLoaded),
		"skipped", summary.count(StatusSkipped),
		"failed", summary.count(StatusFailed))
	return summary, nil
}

// loadEntity streams one table file into the store inside a single
// transaction. Bad rows are skipped; a store error rolls the whole entity
// back.
func loadEntity(ctx context.Context, store Store, src *Source, e entity, opts *IngestOpts, log *slog.Logger) (res EntityResult) {
	res = EntityResult{Entity: e.Name, File: e.File}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	fail := func(err error) EntityResult {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.Error(fmt.Sprintf("Failed to import %s: %s", e.File, err), "entity", e.Name)
		return res
	}

	path, ok := src.TablePath(e.File)
	if !ok {
		res.Status = StatusSkipped
		log.Warn(fmt.Sprintf("Skipping %s: not in feed", e.File), "entity", e.Name)
		return res
	}
	log.Info(fmt.Sprintf("Importing %s", e.File), "entity", e.Name)

	tx, err := store.Begin(ctx)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w := newBatchWriter(tx, store.dialect(), lookupTable(e.Table), opts.BatchSize)
	enc, err := opts.Reader.Each(path, func(rec Record) error {
		if rec.Err != nil {
			res.rowError(fmt.Errorf("%w: line %d: %w", ErrMalformedRow, rec.Line, rec.Err))
			return nil
		}

		p := &fieldParser{rec: rec}
		row := e.Map(p)
		if err := p.err(); err != nil {
			res.rowError(err)
			return nil
		}
		return w.add(ctx, row)
	})
	res.Encoding = enc.Name
	if err == nil {
		err = w.flush(ctx)
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrUnreadableEncoding) {
			log.Warn(fmt.Sprintf("No candidate encoding could read %s", e.File), "entity", e.Name)
		}
		return fail(err)
	}

	res.Status = StatusLoaded
	res.Rows = w.written
	log.Info(fmt.Sprintf("Wrote %d rows to %s", res.Rows, e.Table),
		"entity", e.Name, "encoding", res.Encoding, "row_errors", res.RowErrors)
	return res
}

// Run opens the store described by cfg, ingests cfg.FeedPath into it and
// closes the store again on every path.
func Run(ctx context.Context, cfg Config, o *IngestOpts) (*Summary, error) {
	opts := o.withDefaults()
	if o == nil || o.BatchSize <= 0 {
		if cfg.BatchSize > 0 {
			opts.BatchSize = cfg.BatchSize
		}
	}
	if o == nil || o.GridSize <= 0 {
		if cfg.GridSize > 0 {
			opts.GridSize = cfg.GridSize
		}
	}

	store, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			opts.Logger.Warn(fmt.Sprintf("Failed to close store: %s", err), "run_id", opts.RunID)
		}
	}()

	return Ingest(ctx, store, cfg.FeedPath, &opts)
}
