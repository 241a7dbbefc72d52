package gtfs2db

import (
	"fmt"
	"strconv"
	"strings"
)

// SRID of every stored geometry (WGS 84 longitude/latitude).
const SRID = 4326

// dialect renders the SQL that differs between backends. Everything else
// (upserts, views, verification queries) is written once against it.
type dialect interface {
	name() string
	placeholder(n int) string
	valuePlaceholder(column columnSchema, n int) string
	columnType(t columnType) string
	prelude() []string
	createTable(table *tableSchema) []string
	spatialIndex() []string
	floor(expr string) string
	round(expr string, places int) string
	float(literal float64) string
	stopLat(alias string) string
	stopLon(alias string) string
	stopsInBoxQuery() string
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(n int) string { return fmt.Sprintf("?%d", n) }

func (d sqliteDialect) valuePlaceholder(_ columnSchema, n int) string { return d.placeholder(n) }

func (sqliteDialect) columnType(t columnType) string {
	switch t {
	case colInteger:
		return "INTEGER"
	case colReal:
		return "REAL"
	default:
		// Geometries are stored as GeoJSON and indexed through stops_geom_rtree
		return "TEXT"
	}
}

func (sqliteDialect) prelude() []string { return nil }

// SQLite gets real FOREIGN KEY clauses. Connections run with foreign_keys
// off, so they document the model without rejecting orphaned rows.
func (d sqliteDialect) createTable(table *tableSchema) []string {
	fragments := columnFragments(d, table)
	fragments = append(fragments, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(table.PrimaryKey, ", ")))
	for _, c := range table.Columns {
		// A reference to any of several tables has no FOREIGN KEY form
		if c.ForeignID != nil && len(c.ForeignID.AnyOf) == 0 {
			fragments = append(fragments, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
				c.Name, c.ForeignID.Table, c.ForeignID.Column))
		}
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(fragments, ",\n\t"))}
}

func (sqliteDialect) spatialIndex() []string {
	rtreeRow := `DELETE FROM stops_geom_rtree WHERE id = new.rowid;
	INSERT INTO stops_geom_rtree (id, min_lon, max_lon, min_lat, max_lat)
		SELECT new.rowid,
			CAST(new.stop_lon AS REAL), CAST(new.stop_lon AS REAL),
			CAST(new.stop_lat AS REAL), CAST(new.stop_lat AS REAL)
		WHERE new.geom IS NOT NULL;`
	return []string{
		"CREATE VIRTUAL TABLE IF NOT EXISTS stops_geom_rtree USING rtree(id, min_lon, max_lon, min_lat, max_lat)",
		"CREATE TRIGGER IF NOT EXISTS stops_geom_insert AFTER INSERT ON stops BEGIN\n\t" + rtreeRow + "\nEND",
		"CREATE TRIGGER IF NOT EXISTS stops_geom_update AFTER UPDATE ON stops BEGIN\n\t" + rtreeRow + "\nEND",
	}
}

func (sqliteDialect) floor(expr string) string {
	return fmt.Sprintf("(CAST(%[1]s AS INTEGER) - ((%[1]s) < CAST(%[1]s AS INTEGER)))", expr)
}

func (sqliteDialect) round(expr string, places int) string {
	return fmt.Sprintf("round(%s, %d)", expr, places)
}

func (sqliteDialect) float(literal float64) string {
	return "CAST(" + strconv.FormatFloat(literal, 'f', -1, 64) + " AS REAL)"
}

func (sqliteDialect) stopLat(alias string) string { return "CAST(" + alias + ".stop_lat AS REAL)" }

func (sqliteDialect) stopLon(alias string) string { return "CAST(" + alias + ".stop_lon AS REAL)" }

func (sqliteDialect) stopsInBoxQuery() string {
	return `SELECT s.stop_id, s.geom
FROM stops_geom_rtree r
JOIN stops s ON s.rowid = r.id
WHERE r.max_lon >= ?1 AND r.min_lon <= ?2 AND r.max_lat >= ?3 AND r.min_lat <= ?4
ORDER BY s.stop_id`
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d postgresDialect) valuePlaceholder(column columnSchema, n int) string {
	if column.Type == colGeometry {
		return fmt.Sprintf("ST_SetSRID(ST_GeomFromGeoJSON(%s::text), %d)", d.placeholder(n), SRID)
	}
	return d.placeholder(n)
}

func (postgresDialect) columnType(t columnType) string {
	switch t {
	case colInteger:
		return "BIGINT"
	case colReal:
		return "DOUBLE PRECISION"
	case colGeometry:
		return fmt.Sprintf("geometry(Point, %d)", SRID)
	default:
		return "TEXT"
	}
}

func (postgresDialect) prelude() []string {
	return []string{"CREATE EXTENSION IF NOT EXISTS postgis"}
}

// PostgreSQL would enforce FOREIGN KEY constraints, and a stop_times load
// must succeed even when stops.txt is missing. References are kept as
// column comments instead and checked by Verify.
func (d postgresDialect) createTable(table *tableSchema) []string {
	fragments := columnFragments(d, table)
	fragments = append(fragments, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(table.PrimaryKey, ", ")))
	statements := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(fragments, ",\n\t"))}
	for _, c := range table.Columns {
		if c.ForeignID != nil {
			statements = append(statements, fmt.Sprintf("COMMENT ON COLUMN %s.%s IS 'references %s'",
				table.Name, c.Name, c.ForeignID))
		}
	}
	return statements
}

func (postgresDialect) spatialIndex() []string {
	return []string{"CREATE INDEX IF NOT EXISTS stops_geom_idx ON stops USING GIST (geom)"}
}

func (postgresDialect) floor(expr string) string { return "floor(" + expr + ")" }

// Only numeric has a round with places.
func (postgresDialect) round(expr string, places int) string {
	return fmt.Sprintf("CAST(round(CAST(%s AS NUMERIC), %d) AS DOUBLE PRECISION)", expr, places)
}

func (postgresDialect) float(literal float64) string {
	return "CAST(" + strconv.FormatFloat(literal, 'f', -1, 64) + " AS DOUBLE PRECISION)"
}

func (postgresDialect) stopLat(alias string) string { return "ST_Y(" + alias + ".geom)" }

func (postgresDialect) stopLon(alias string) string { return "ST_X(" + alias + ".geom)" }

func (postgresDialect) stopsInBoxQuery() string {
	return fmt.Sprintf(`SELECT stop_id, ST_AsGeoJSON(geom)
FROM stops
WHERE geom && ST_MakeEnvelope($1, $3, $2, $4, %d)
ORDER BY stop_id`, SRID)
}

func columnFragments(d dialect, table *tableSchema) []string {
	var fragments []string
	for _, c := range table.Columns {
		fragment := c.Name + " " + d.columnType(c.Type)
		switch {
		case c.EmptyKey:
			fragment += " NOT NULL DEFAULT ''"
		case table.isKey(c.Name):
			fragment += " NOT NULL"
		}
		fragments = append(fragments, fragment)
	}
	return fragments
}
