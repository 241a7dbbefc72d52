package gtfs2db

import (
	"archive/zip"
	"context"
	"fmt"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

var minimalFeed = map[string]string{
	"agency.txt": "agency_id,agency_name,agency_url,agency_timezone,agency_lang\n" +
		"HD,Hiroden,https://www.hiroden.co.jp,Asia/Tokyo,ja\n",
	"routes.txt": "route_id,agency_id,route_short_name,route_long_name,route_type\n" +
		"R1,HD,1,Hiroshima Station - Hiroshima Port,3\n",
	"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
		"S1,Hiroshima Station,34.39,132.45\n" +
		"S2,Nowhere,200,132.46\n",
	"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
		"WD,1,1,1,1,1,0,0,20240101,20241231\n",
	"trips.txt": "route_id,service_id,trip_id,trip_headsign\n" +
		"R1,WD,T1,Hiroshima Port\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"T1,08:00:00,08:00:00,S1,1\n" +
		"T1,08:10:00,08:10:00,S2,2\n" +
		"T1,24:05:00,24:05:00,S1,3\n",
}

// withFiles returns a copy of feed with files replaced. An empty value
// removes the file.
func withFiles(feed map[string]string, files map[string]string) map[string]string {
	out := make(map[string]string, len(feed))
	for name, content := range feed {
		out[name] = content
	}
	for name, content := range files {
		if content == "" {
			delete(out, name)
		} else {
			out[name] = content
		}
	}
	return out
}

func writeFeedDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := testTempdir(t)
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

// writeFeedZip packs files into an archive, under prefix inside the
// archive.
func writeFeedZip(t *testing.T, prefix string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(testTempdir(t), "feed.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry, err := w.Create(prefix + name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(testTempdir(t), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ingestFeed(t *testing.T, store Store, feedPath string, opts *IngestOpts) *Summary {
	t.Helper()
	summary, err := Ingest(context.Background(), store, feedPath, opts)
	require.NoError(t, err)
	require.NotNil(t, summary)
	return summary
}

func queryInt(t *testing.T, store Store, query string, args ...any) int64 {
	t.Helper()
	var n int64
	err := store.Query(context.Background(), query, func(row Row) error {
		n = row.Int64(0)
		return nil
	}, args...)
	require.NoError(t, err)
	return n
}

func queryStrings(t *testing.T, store Store, query string, args ...any) []string {
	t.Helper()
	var out []string
	err := store.Query(context.Background(), query, func(row Row) error {
		if row.IsNull(0) {
			out = append(out, "<null>")
		} else {
			out = append(out, row.Text(0))
		}
		return nil
	}, args...)
	require.NoError(t, err)
	return out
}

func dumpAll(t *testing.T, store Store) string {
	t.Helper()
	var out strings.Builder
	names := []string{"route_stop_counts", "stop_density", "hourly_trip_counts"}
	for _, table := range gtfsSchema {
		names = append(names, table.Name)
	}
	for _, name := range names {
		fmt.Fprintf(&out, "== %s\n", name)
		require.NoError(t, DumpCSV(context.Background(), store, &out, name))
	}
	return out.String()
}

func testTempdir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		if t.Failed() {
			fmt.Println("Preserving tempdir after failed test", dir)
		} else {
			_ = os.RemoveAll(dir)
		}
	})
	return dir
}
