package gtfs2db

import (
	"context"
	"fmt"
)

// gridPrecision is the number of decimal places grid arithmetic is rounded
// to, well above coordinate precision and below double rounding error.
const gridPrecision = 9

type viewSchema struct {
	Name    string
	Columns []string
	OrderBy string
	define  func(d dialect, gridSize float64) string
}

var viewSchemas = []viewSchema{
	{
		Name:    "route_stop_counts",
		Columns: []string{"route_id", "route_short_name", "route_long_name", "stop_count"},
		OrderBy: "route_id",
		// Left joins keep routes whose trips or stops are missing, with a
		// count of zero.
		define: func(dialect, float64) string {
			return `SELECT r.route_id, r.route_short_name, r.route_long_name,
	COUNT(DISTINCT s.stop_id) AS stop_count
FROM routes r
LEFT JOIN trips t ON t.route_id = r.route_id
LEFT JOIN stop_times st ON st.trip_id = t.trip_id
LEFT JOIN stops s ON s.stop_id = st.stop_id
GROUP BY r.route_id, r.route_short_name, r.route_long_name`
		},
	},
	{
		Name:    "stop_density",
		Columns: []string{"cell_lat", "cell_lon", "stop_count"},
		OrderBy: "cell_lat, cell_lon",
		// The quotient is rounded before flooring so a coordinate on a cell
		// edge, like 34.30 / 0.01 = 3429.9999999999995, stays in its own cell.
		define: func(d dialect, gridSize float64) string {
			grid := d.float(gridSize)
			snap := func(coord string) string {
				cell := d.floor(d.round(coord+" / "+grid, gridPrecision))
				return d.round(cell+" * "+grid, gridPrecision)
			}
			cellLat := snap(d.stopLat("s"))
			cellLon := snap(d.stopLon("s"))
			return fmt.Sprintf(`SELECT %s AS cell_lat, %s AS cell_lon, COUNT(*) AS stop_count
FROM stops s
WHERE s.geom IS NOT NULL
GROUP BY 1, 2`, cellLat, cellLon)
		},
	},
	{
		Name:    "hourly_trip_counts",
		Columns: []string{"hour", "trip_count", "stop_time_count"},
		OrderBy: "hour",
		// Hours past midnight of the service day fold onto the wall clock:
		// 24:05:00 counts towards hour 0.
		define: func(dialect, float64) string {
			return `SELECT (arrival_secs / 3600) % 24 AS hour,
	COUNT(DISTINCT trip_id) AS trip_count,
	COUNT(*) AS stop_time_count
FROM stop_times
WHERE arrival_secs IS NOT NULL
GROUP BY 1`
		},
	},
}

func lookupView(name string) (viewSchema, bool) {
	for _, v := range viewSchemas {
		if v.Name == name {
			return v, true
		}
	}
	return viewSchema{}, false
}

// BuildViews drops and recreates the analytics views in one transaction.
// gridSize is the stop density cell size in degrees.
func BuildViews(ctx context.Context, store Store, gridSize float64) error {
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}
	d := store.dialect()

	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("build views: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, v := range viewSchemas {
		if err := tx.Exec(ctx, "DROP VIEW IF EXISTS "+v.Name); err != nil {
			return fmt.Errorf("build views: drop %s: %w", v.Name, err)
		}
		if err := tx.Exec(ctx, fmt.Sprintf("CREATE VIEW %s AS\n%s", v.Name, v.define(d, gridSize))); err != nil {
			return fmt.Errorf("build views: create %s: %w", v.Name, err)
		}
	}
	return tx.Commit(ctx)
}

type RouteStopCount struct {
	RouteID   string `json:"route_id" yaml:"route_id"`
	ShortName string `json:"route_short_name,omitempty" yaml:"route_short_name,omitempty"`
	LongName  string `json:"route_long_name,omitempty" yaml:"route_long_name,omitempty"`
	StopCount int64  `json:"stop_count" yaml:"stop_count"`
}

func ReadRouteStopCounts(ctx context.Context, store Store) ([]RouteStopCount, error) {
	var out []RouteStopCount
	err := store.Query(ctx, "SELECT route_id, route_short_name, route_long_name, stop_count FROM route_stop_counts ORDER BY route_id",
		func(row Row) error {
			out = append(out, RouteStopCount{
				RouteID:   row.Text(0),
				ShortName: row.Text(1),
				LongName:  row.Text(2),
				StopCount: row.Int64(3),
			})
			return nil
		})
	return out, err
}

// DensityCell is one grid cell of the stop density view, identified by its
// south-west corner.
type DensityCell struct {
	CellLat   float64 `json:"cell_lat" yaml:"cell_lat"`
	CellLon   float64 `json:"cell_lon" yaml:"cell_lon"`
	StopCount int64   `json:"stop_count" yaml:"stop_count"`
}

func ReadStopDensity(ctx context.Context, store Store) ([]DensityCell, error) {
	var out []DensityCell
	err := store.Query(ctx, "SELECT cell_lat, cell_lon, stop_count FROM stop_density ORDER BY cell_lat, cell_lon",
		func(row Row) error {
			out = append(out, DensityCell{
				CellLat:   row.Float(0),
				CellLon:   row.Float(1),
				StopCount: row.Int64(2),
			})
			return nil
		})
	return out, err
}

type HourlyTripCount struct {
	Hour          int   `json:"hour" yaml:"hour"`
	TripCount     int64 `json:"trip_count" yaml:"trip_count"`
	StopTimeCount int64 `json:"stop_time_count" yaml:"stop_time_count"`
}

func ReadHourlyTripCounts(ctx context.Context, store Store) ([]HourlyTripCount, error) {
	var out []HourlyTripCount
	err := store.Query(ctx, "SELECT hour, trip_count, stop_time_count FROM hourly_trip_counts ORDER BY hour",
		func(row Row) error {
			out = append(out, HourlyTripCount{
				Hour:          int(row.Int64(0)),
				TripCount:     row.Int64(1),
				StopTimeCount: row.Int64(2),
			})
			return nil
		})
	return out, err
}
