package main

import (
	"context"
	"fmt"
	"github.com/dzfranklin/gtfs2db"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"log/slog"
	"os"
	"strings"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    gtfs2db --feed <timetable.zip>\n" +
		"    gtfs2db --driver postgres --feed <timetable_dir> --format yaml\n" +
		"    gtfs2db --db <timetable.db> --export <timetable.zip>\n" +
		"    gtfs2db --db <timetable.db> --dump hourly_trip_counts\n" +
		"    gtfs2db --db <timetable.db> --stops-within <feature_geojson.json>")
	os.Exit(1)
}

func main() {
	feedPath := pflag.StringP("feed", "f", "", "Ingest a GTFS feed directory or zip")
	exportPath := pflag.StringP("export", "e", "", "Export the database to a GTFS zip")
	dumpName := pflag.String("dump", "", "Print a table or analytics view as CSV")
	withinPath := pflag.String("stops-within", "", "Print the ids of stops inside the GeoJSON feature in the file specified")
	primaryOptions := []*string{feedPath, exportPath, dumpName, withinPath}

	driver := pflag.String("driver", "", "Store driver, sqlite or postgres (default $GTFS_DB_DRIVER or sqlite)")
	dbPath := pflag.String("db", "", "SQLite database to write to (default $GTFS_DB_PATH or gtfs.db)")
	format := pflag.StringP("format", "o", gtfs2db.FormatText, "Summary format: text, json or yaml")
	batchSize := pflag.Int("batch-size", 0, "Rows per upsert batch (default $GTFS_BATCH_SIZE or 5000)")
	verbose := pflag.BoolP("verbose", "v", false, "Log debug messages")

	pflag.Parse()

	primaryCount := 0
	for _, opt := range primaryOptions {
		if *opt != "" {
			primaryCount++
		}
	}
	if primaryCount > 1 {
		usageAndDie()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := gtfs2db.LoadConfig()
	if err != nil {
		die(err)
	}
	if *feedPath != "" {
		cfg.FeedPath = *feedPath
	}
	if *driver != "" {
		cfg.Driver = strings.ToLower(*driver)
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if err := cfg.Validate(); err != nil {
		die(err)
	}

	ctx := context.Background()
	if *exportPath != "" {
		err = withStore(ctx, cfg, func(store gtfs2db.Store) error {
			return gtfs2db.Export(ctx, store, *exportPath)
		})
	} else if *dumpName != "" {
		err = withStore(ctx, cfg, func(store gtfs2db.Store) error {
			return gtfs2db.DumpCSV(ctx, store, os.Stdout, *dumpName)
		})
	} else if *withinPath != "" {
		var feature []byte
		feature, err = os.ReadFile(*withinPath)
		if err != nil {
			die(err)
		}
		err = withStore(ctx, cfg, func(store gtfs2db.Store) error {
			ids, err := gtfs2db.StopsWithin(ctx, store, string(feature))
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	} else if cfg.FeedPath != "" {
		err = ingest(ctx, cfg, *format)
	} else {
		usageAndDie()
	}

	if err != nil {
		die(err)
	}
}

func ingest(ctx context.Context, cfg gtfs2db.Config, format string) error {
	if err := gtfs2db.SetupSentry(cfg.SentryDSN); err != nil {
		return err
	}
	defer gtfs2db.FlushSentry()

	reg := prometheus.NewRegistry()
	runID := uuid.NewString()
	summary, runErr := gtfs2db.Run(ctx, cfg, &gtfs2db.IngestOpts{
		RunID:   runID,
		Metrics: gtfs2db.NewMetrics(reg),
	})

	if cfg.PushgatewayURL != "" {
		if err := gtfs2db.PushMetrics(cfg.PushgatewayURL, reg, runID); err != nil {
			slog.Warn(err.Error())
		}
	}

	if summary != nil {
		if err := summary.Write(os.Stdout, format); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if summary.Failed() {
		return fmt.Errorf("%d error(s) during ingestion", len(summary.Errors))
	}
	return nil
}

func withStore(ctx context.Context, cfg gtfs2db.Config, fn func(store gtfs2db.Store) error) error {
	store, err := gtfs2db.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func die(err error) {
	fmt.Printf("Error: %s\n", err)
	os.Exit(1)
}
