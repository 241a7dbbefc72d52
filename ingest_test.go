package gtfs2db

import (
	"bytes"
	"context"
	"errors"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
	"os"
	"path/filepath"
	"testing"
)

func TestIngestMinimalFeed(t *testing.T) {
	store := openTestStore(t)
	summary := ingestFeed(t, store, writeFeedDir(t, minimalFeed), nil)

	assert.False(t, summary.Failed())
	assert.Empty(t, summary.Errors)
	assert.True(t, summary.ViewsBuilt)
	assert.Equal(t, "directory", summary.SourceKind)
	assert.NotEmpty(t, summary.RunID)
	assert.ElementsMatch(t, []string{
		"calendar_dates.txt", "shapes.txt", "fare_attributes.txt", "fare_rules.txt", "translations.txt",
	}, summary.Skipped)

	var order []string
	for _, e := range summary.Entities {
		order = append(order, e.Entity)
	}
	assert.Equal(t, []string{
		"Agency", "Route", "Stop", "ServiceCalendar", "CalendarException", "Trip",
		"StopTime", "ShapePoint", "FareAttribute", "FareRule", "Translation",
	}, order)

	stopTimes, ok := summary.Entity("StopTime")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, stopTimes.Status)
	assert.Equal(t, 3, stopTimes.Rows)
	assert.Equal(t, UTF8BOM.Name, stopTimes.Encoding)

	v := summary.Verification
	require.NotNil(t, v)
	assert.Equal(t, int64(1), v.Counts["agency"])
	assert.Equal(t, int64(1), v.Counts["routes"])
	assert.Equal(t, int64(2), v.Counts["stops"])
	assert.Equal(t, int64(1), v.Counts["trips"])
	assert.Equal(t, int64(3), v.Counts["stop_times"])
	assert.Equal(t, int64(1), v.GeocodedStops)
	require.NotNil(t, v.Bounds)
	assert.InDelta(t, 34.39, v.Bounds.MinLat, 1e-9)
	assert.InDelta(t, 34.39, v.Bounds.MaxLat, 1e-9)
	assert.InDelta(t, 132.45, v.Bounds.MinLon, 1e-9)
	assert.Empty(t, v.Orphans)
	assert.Contains(t, v.Warnings, "1 of 2 stops have no valid coordinates")

	ctx := context.Background()
	hourly, err := ReadHourlyTripCounts(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []HourlyTripCount{
		{Hour: 0, TripCount: 1, StopTimeCount: 1},
		{Hour: 8, TripCount: 1, StopTimeCount: 2},
	}, hourly)

	routes, err := ReadRouteStopCounts(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []RouteStopCount{
		{RouteID: "R1", ShortName: "1", LongName: "Hiroshima Station - Hiroshima Port", StopCount: 2},
	}, routes)

	density, err := ReadStopDensity(ctx, store)
	require.NoError(t, err)
	require.Len(t, density, 1)
	assert.Equal(t, int64(1), density[0].StopCount)
	assert.InDelta(t, 34.39, density[0].CellLat, 0.011)
	assert.InDelta(t, 132.45, density[0].CellLon, 0.011)

	geoms := queryStrings(t, store, "SELECT geom FROM stops ORDER BY stop_id")
	require.Len(t, geoms, 2)
	assert.JSONEq(t, `{"type":"Point","coordinates":[132.45,34.39]}`, geoms[0])
	assert.Equal(t, "<null>", geoms[1], "out of range coordinates have no geometry")
	assert.Equal(t, []string{"34.39", "200"},
		queryStrings(t, store, "SELECT stop_lat FROM stops ORDER BY stop_id"))
}

func TestIngestFromArchive(t *testing.T) {
	store := openTestStore(t)
	summary := ingestFeed(t, store, writeFeedZip(t, "feed/", minimalFeed), nil)

	assert.Equal(t, "archive", summary.SourceKind)
	assert.False(t, summary.Failed())
	assert.Equal(t, int64(3), summary.Verification.Counts["stop_times"])
}

func TestIngestIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	feed := writeFeedDir(t, withFiles(minimalFeed, map[string]string{
		"fare_attributes.txt": "fare_id,price,currency_type,payment_method,transfers\nF1,220,JPY,0,\n",
		"fare_rules.txt":      "fare_id,route_id\nF1,R1\nF1,\n",
		"translations.txt":    "table_name,field_name,language,translation,record_id\nstops,stop_name,en,Hiroshima Station,S1\n",
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"SH1,34.39,132.45,1\nSH1,34.40,132.46,2\n",
		"calendar_dates.txt": "service_id,date,exception_type\nWD,20240429,2\n",
	}))

	first := ingestFeed(t, store, feed, nil)
	require.False(t, first.Failed())
	before := dumpAll(t, store)

	second := ingestFeed(t, store, feed, nil)
	require.False(t, second.Failed())
	after := dumpAll(t, store)

	assert.Equal(t, first.Verification.Counts, second.Verification.Counts)
	edits := myers.ComputeEdits(span.URIFromPath("dump"), before, after)
	if len(edits) > 0 {
		t.Error(gotextdiff.ToUnified("first", "second", before, edits))
	}
	assert.Equal(t, int64(2), second.Verification.Counts["fare_rules"])
	assert.Equal(t, 1, second.Verification.Shapes.Count)
}

func TestReingestUpdatesInPlace(t *testing.T) {
	store := openTestStore(t)
	ingestFeed(t, store, writeFeedDir(t, minimalFeed), nil)

	moved := withFiles(minimalFeed, map[string]string{
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
			"S1,Hiroshima Station (South Exit),34.3975,132.4753\n" +
			"S2,Nowhere,34.5,132.5\n",
	})
	summary := ingestFeed(t, store, writeFeedDir(t, moved), nil)

	assert.Equal(t, int64(2), summary.Verification.Counts["stops"])
	assert.Equal(t, int64(2), summary.Verification.GeocodedStops)
	assert.Equal(t, []string{"Hiroshima Station (South Exit)", "Nowhere"},
		queryStrings(t, store, "SELECT stop_name FROM stops ORDER BY stop_id"))

	ctx := context.Background()
	ids, err := StopsInBounds(ctx, store, Bounds{MinLat: 34.49, MinLon: 132.49, MaxLat: 34.51, MaxLon: 132.51})
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, ids, "the spatial index follows updated coordinates")

	ids, err = StopsInBounds(ctx, store, Bounds{MinLat: 34.385, MinLon: 132.445, MaxLat: 34.395, MaxLon: 132.455})
	require.NoError(t, err)
	assert.Empty(t, ids, "S1 moved away")
}

func TestIngestWithoutStops(t *testing.T) {
	store := openTestStore(t)
	summary := ingestFeed(t, store, writeFeedDir(t, withFiles(minimalFeed, map[string]string{"stops.txt": ""})), nil)

	assert.False(t, summary.Failed())
	assert.Contains(t, summary.Skipped, "stops.txt")
	assert.Equal(t, int64(3), summary.Verification.Counts["stop_times"])
	assert.Contains(t, summary.Verification.Orphans, Orphans{
		Table: "stop_times", Column: "stop_id", Reference: "stops.stop_id", Count: 3,
	})
	assert.Contains(t, summary.Verification.Warnings, "stops is empty")
	assert.Nil(t, summary.Verification.Bounds)

	routes, err := ReadRouteStopCounts(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, int64(0), routes[0].StopCount)

	density, err := ReadStopDensity(context.Background(), store)
	require.NoError(t, err)
	assert.Empty(t, density)
}

func TestIngestSkipsMalformedRows(t *testing.T) {
	store := openTestStore(t)
	feed := withFiles(minimalFeed, map[string]string{
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"T1,08:00:00,08:00:00,S1,1\n" +
			"T1,25:10:00,25:10:00,S2,2\n" +
			"T1,01:10:00,01:10:00,S1,3\n" +
			"T1,25:10,25:10,S2,4\n" +
			"T1,09:00:00,09:00:00,S1,five\n" +
			",09:00:00,09:00:00,S1,6\n",
	})
	summary := ingestFeed(t, store, writeFeedDir(t, feed), nil)

	stopTimes, ok := summary.Entity("StopTime")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, stopTimes.Status)
	assert.Equal(t, 4, stopTimes.Rows)
	assert.Equal(t, 2, stopTimes.RowErrors)
	require.Len(t, stopTimes.Samples, 2)
	assert.Contains(t, stopTimes.Samples[0], "line 6")
	assert.Contains(t, stopTimes.Samples[1], "missing trip_id")
	assert.False(t, summary.Failed())

	assert.Equal(t, []string{"08:00:00", "25:10:00", "01:10:00", "<null>"},
		queryStrings(t, store, "SELECT arrival_time FROM stop_times ORDER BY stop_sequence"))
	assert.Equal(t, []string{"28800", "90600", "4200", "<null>"},
		queryStrings(t, store, "SELECT arrival_secs FROM stop_times ORDER BY stop_sequence"))
}

func TestIngestLegacyEncodings(t *testing.T) {
	stops := "stop_id,stop_name,stop_lat,stop_lon\n" +
		"S1,広島駅,34.39,132.45\n" +
		"S2,紙屋町東,34.395,132.457\n"
	for name, enc := range map[string]struct{ encoded, want string }{
		"shift_jis": {mustEncode(t, japanese.ShiftJIS.NewEncoder().String, stops), ShiftJIS.Name},
		"euc-jp":    {mustEncode(t, japanese.EUCJP.NewEncoder().String, stops), EUCJP.Name},
	} {
		t.Run(name, func(t *testing.T) {
			store := openTestStore(t)
			summary := ingestFeed(t, store, writeFeedDir(t, withFiles(minimalFeed, map[string]string{"stops.txt": enc.encoded})), nil)

			res, ok := summary.Entity("Stop")
			require.True(t, ok)
			assert.Equal(t, enc.want, res.Encoding)
			assert.Equal(t, []string{"広島駅", "紙屋町東"}, queryStrings(t, store, "SELECT stop_name FROM stops ORDER BY stop_id"))
		})
	}
}

func mustEncode(t *testing.T, encode func(string) (string, error), s string) string {
	t.Helper()
	out, err := encode(s)
	require.NoError(t, err)
	return out
}

func TestIngestUnreadableEntityDoesNotStopRun(t *testing.T) {
	store := openTestStore(t)
	feed := writeFeedDir(t, withFiles(minimalFeed, map[string]string{"stops.txt": "stop_id,stop_name\nS1,\xff\xfe\n"}))

	summary := ingestFeed(t, store, feed, &IngestOpts{Reader: &TableReader{Encodings: []Encoding{UTF8}}})

	assert.True(t, summary.Failed())
	res, ok := summary.Entity("Stop")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, ErrUnreadableEncoding.Error())
	require.Len(t, summary.Errors, 1)

	after, ok := summary.Entity("StopTime")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, after.Status)
	assert.Equal(t, int64(3), summary.Verification.Counts["stop_times"])
}

func TestIngestStoreFailureRollsBackEntity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, EnsureSchema(ctx, store))
	// Every insert into trips fails
	require.NoError(t, store.Exec(ctx, `CREATE TRIGGER trips_reject BEFORE INSERT ON trips
BEGIN SELECT RAISE(ABORT, 'rejected'); END`))

	summary := ingestFeed(t, store, writeFeedDir(t, minimalFeed), nil)

	res, ok := summary.Entity("Trip")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, int64(0), summary.Verification.Counts["trips"])
	assert.Equal(t, int64(2), summary.Verification.Counts["stops"], "earlier entities stay committed")
	assert.Equal(t, int64(3), summary.Verification.Counts["stop_times"], "later entities still load")
	assert.Contains(t, summary.Verification.Orphans, Orphans{
		Table: "stop_times", Column: "trip_id", Reference: "trips.trip_id", Count: 3,
	})
}

func TestIngestSourceFailureIsFatal(t *testing.T) {
	store := openTestStore(t)

	missing := filepath.Join(testTempdir(t), "missing")
	summary, err := Ingest(context.Background(), store, missing, nil)
	require.ErrorIs(t, err, ErrSourceNotFound)
	require.NotNil(t, summary)
	assert.Empty(t, summary.Entities)
	assert.Len(t, summary.Errors, 1)

	corrupt := filepath.Join(testTempdir(t), "feed.zip")
	require.NoError(t, os.WriteFile(corrupt, []byte("PK not really"), 0o644))
	_, err = Ingest(context.Background(), store, corrupt, nil)
	require.ErrorIs(t, err, ErrExtractionFailed)
	assert.False(t, errors.Is(err, ErrSourceNotFound))
}

func TestIngestRecordsMetrics(t *testing.T) {
	store := openTestStore(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	ingestFeed(t, store, writeFeedDir(t, minimalFeed), &IngestOpts{Metrics: metrics, BatchSize: 2})

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RowsLoaded.WithLabelValues("StopTime")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RowErrors.WithLabelValues("StopTime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntityStatus.WithLabelValues("ShapePoint", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntityStatus.WithLabelValues("Stop", "loaded")))
	// Skipped entities record no duration
	assert.Equal(t, 6, testutil.CollectAndCount(metrics.LoadSeconds, "gtfs_entity_load_seconds"))
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ingestFeed(t, store, writeFeedDir(t, minimalFeed), nil)

	archive := filepath.Join(testTempdir(t), "exported.zip")
	require.NoError(t, Export(ctx, store, archive))

	copied := openTestStore(t)
	summary := ingestFeed(t, copied, archive, nil)
	assert.Equal(t, "archive", summary.SourceKind)

	want, got := dumpAll(t, store), dumpAll(t, copied)
	edits := myers.ComputeEdits(span.URIFromPath("dump"), want, got)
	if len(edits) > 0 {
		t.Error(gotextdiff.ToUnified("original", "exported", want, edits))
	}

	var b bytes.Buffer
	require.NoError(t, DumpCSV(ctx, copied, &b, "hourly_trip_counts"))
	assert.Equal(t, "hour,trip_count,stop_time_count\n0,1,1\n8,1,2\n", b.String())
	assert.Error(t, DumpCSV(ctx, copied, &b, "sqlite_master"))
}

func TestIngestKeepsShapePointsWithoutCoordinates(t *testing.T) {
	store := openTestStore(t)
	summary := ingestFeed(t, store, writeFeedDir(t, withFiles(minimalFeed, map[string]string{
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"SH1,34.39,132.45,1\n" +
			"SH1,200,132.46,2\n" +
			"SH1,34.40,132.45,3\n",
	})), nil)

	shapes, ok := summary.Entity("ShapePoint")
	require.True(t, ok)
	assert.Equal(t, 3, shapes.Rows)
	assert.Zero(t, shapes.RowErrors)
	assert.Equal(t, []string{"34.39", "200", "34.40"},
		queryStrings(t, store, "SELECT shape_pt_lat FROM shapes ORDER BY shape_pt_sequence"))

	// Measured between the two valid points only
	stats := summary.Verification.Shapes
	assert.Equal(t, 1, stats.Count)
	assert.InDelta(t, 1.112, stats.TotalKM, 0.01)
	assert.Contains(t, summary.Verification.Warnings, "1 shape point(s) have no valid coordinates")
}

func TestIngestServicesFromCalendarDatesOnly(t *testing.T) {
	store := openTestStore(t)
	summary := ingestFeed(t, store, writeFeedDir(t, withFiles(minimalFeed, map[string]string{
		"calendar.txt":       "",
		"calendar_dates.txt": "service_id,date,exception_type\nWD,20240429,1\n",
		"trips.txt": "route_id,service_id,trip_id\n" +
			"R1,WD,T1\n" +
			"R1,HOLIDAY,T2\n",
	})), nil)

	assert.False(t, summary.Failed())
	assert.Equal(t, []Orphans{{
		Table: "trips", Column: "service_id", Reference: "calendar.service_id or calendar_dates.service_id", Count: 1,
	}}, summary.Verification.Orphans)
	assert.Contains(t, summary.Verification.Warnings,
		"1 row(s) in trips have a service_id that is not in calendar or calendar_dates")
}
