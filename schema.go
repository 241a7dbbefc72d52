package gtfs2db

import (
	"context"
	"fmt"
	"strings"
)

const schemaVersion = "1"

type columnType int

const (
	colText columnType = iota
	colInteger
	colReal
	colGeometry
)

type tableSchema struct {
	Name       string
	PrimaryKey []string
	Columns    []columnSchema
}

type columnSchema struct {
	Name      string
	Type      columnType
	ForeignID *foreignIDSchema

	// EmptyKey marks key columns GTFS allows to be blank. They are stored as
	// '' rather than NULL so that upserts still conflict on them.
	EmptyKey bool

	// Derived columns are computed during load and have no field in the feed.
	Derived bool
}

// foreignIDSchema is a reference to Table.Column, or to any one of AnyOf.
type foreignIDSchema struct {
	Table  string
	Column string
	AnyOf  []foreignIDSchema
}

// targets normalizes f to its list of alternatives.
func (f *foreignIDSchema) targets() []foreignIDSchema {
	if len(f.AnyOf) > 0 {
		if f.Table != "" || f.Column != "" {
			panic("foreign id with AnyOf cannot have Table or Column")
		}
		return f.AnyOf
	}
	return []foreignIDSchema{{Table: f.Table, Column: f.Column}}
}

func (f *foreignIDSchema) String() string {
	var parts []string
	for _, t := range f.targets() {
		parts = append(parts, t.Table+"."+t.Column)
	}
	return strings.Join(parts, " or ")
}

type indexSchema struct {
	Name    string
	Table   string
	Columns []string
}

func (t *tableSchema) isKey(column string) bool {
	for _, k := range t.PrimaryKey {
		if k == column {
			return true
		}
	}
	return false
}

func (t *tableSchema) feedColumns() []columnSchema {
	var columns []columnSchema
	for _, c := range t.Columns {
		if !c.Derived {
			columns = append(columns, c)
		}
	}
	return columns
}

func (t *tableSchema) columnNames() []string {
	return columnNamesOf(t.Columns)
}

func textColumn(name string) columnSchema { return columnSchema{Name: name, Type: colText} }
func intColumn(name string) columnSchema { return columnSchema{Name: name, Type: colInteger} }
func realColumn(name string) columnSchema { return columnSchema{Name: name, Type: colReal} }

func emptyKeyColumn(name string) columnSchema {
	return columnSchema{Name: name, Type: colText, EmptyKey: true}
}

func derived(c columnSchema) columnSchema {
	c.Derived = true
	return c
}

func references(c columnSchema, table, column string) columnSchema {
	c.ForeignID = &foreignIDSchema{Table: table, Column: column}
	return c
}

func referencesAnyOf(c columnSchema, targets ...foreignIDSchema) columnSchema {
	c.ForeignID = &foreignIDSchema{AnyOf: targets}
	return c
}

// Column order here is the order entity mappers produce values in.
var gtfsSchema = []*tableSchema{
	{
		Name:       "agency",
		PrimaryKey: []string{"agency_id"},
		Columns: []columnSchema{
			emptyKeyColumn("agency_id"),
			textColumn("agency_name"),
			textColumn("agency_url"),
			textColumn("agency_timezone"),
			textColumn("agency_lang"),
			textColumn("agency_phone"),
			textColumn("agency_fare_url"),
			textColumn("agency_email"),
		},
	},

	{
		Name:       "routes",
		PrimaryKey: []string{"route_id"},
		Columns: []columnSchema{
			textColumn("route_id"),
			references(textColumn("agency_id"), "agency", "agency_id"),
			textColumn("route_short_name"),
			textColumn("route_long_name"),
			textColumn("route_desc"),
			intColumn("route_type"),
			derived(textColumn("route_type_name")),
			textColumn("route_url"),
			textColumn("route_color"),
			textColumn("route_text_color"),
			intColumn("route_sort_order"),
		},
	},

	{
		Name:       "stops",
		PrimaryKey: []string{"stop_id"},
		Columns: []columnSchema{
			textColumn("stop_id"),
			textColumn("stop_code"),
			textColumn("stop_name"),
			textColumn("stop_desc"),
			textColumn("stop_lat"),
			textColumn("stop_lon"),
			textColumn("zone_id"),
			textColumn("stop_url"),
			intColumn("location_type"),
			references(textColumn("parent_station"), "stops", "stop_id"),
			textColumn("stop_timezone"),
			intColumn("wheelchair_boarding"),
			textColumn("platform_code"),
			{Name: "geom", Type: colGeometry, Derived: true},
		},
	},

	{
		Name:       "calendar",
		PrimaryKey: []string{"service_id"},
		Columns: []columnSchema{
			textColumn("service_id"),
			intColumn("monday"),
			intColumn("tuesday"),
			intColumn("wednesday"),
			intColumn("thursday"),
			intColumn("friday"),
			intColumn("saturday"),
			intColumn("sunday"),
			textColumn("start_date"),
			textColumn("end_date"),
		},
	},

	{
		Name:       "calendar_dates",
		PrimaryKey: []string{"service_id", "date"},
		Columns: []columnSchema{
			textColumn("service_id"),
			textColumn("date"),
			intColumn("exception_type"),
		},
	},

	{
		Name:       "trips",
		PrimaryKey: []string{"trip_id"},
		Columns: []columnSchema{
			textColumn("trip_id"),
			references(textColumn("route_id"), "routes", "route_id"),
			referencesAnyOf(textColumn("service_id"),
				foreignIDSchema{Table: "calendar", Column: "service_id"},
				foreignIDSchema{Table: "calendar_dates", Column: "service_id"},
			),
			textColumn("trip_headsign"),
			textColumn("trip_short_name"),
			intColumn("direction_id"),
			textColumn("block_id"),
			textColumn("shape_id"),
			intColumn("wheelchair_accessible"),
			intColumn("bikes_allowed"),
		},
	},

	{
		Name:       "stop_times",
		PrimaryKey: []string{"trip_id", "stop_sequence"},
		Columns: []columnSchema{
			references(textColumn("trip_id"), "trips", "trip_id"),
			intColumn("stop_sequence"),
			textColumn("arrival_time"),
			derived(intColumn("arrival_secs")),
			textColumn("departure_time"),
			derived(intColumn("departure_secs")),
			references(textColumn("stop_id"), "stops", "stop_id"),
			textColumn("stop_headsign"),
			intColumn("pickup_type"),
			intColumn("drop_off_type"),
			realColumn("shape_dist_traveled"),
			intColumn("timepoint"),
		},
	},

	{
		Name:       "shapes",
		PrimaryKey: []string{"shape_id", "shape_pt_sequence"},
		Columns: []columnSchema{
			textColumn("shape_id"),
			intColumn("shape_pt_sequence"),
			textColumn("shape_pt_lat"),
			textColumn("shape_pt_lon"),
			realColumn("shape_dist_traveled"),
		},
	},

	{
		Name:       "fare_attributes",
		PrimaryKey: []string{"fare_id"},
		Columns: []columnSchema{
			textColumn("fare_id"),
			realColumn("price"),
			textColumn("currency_type"),
			intColumn("payment_method"),
			intColumn("transfers"),
			references(textColumn("agency_id"), "agency", "agency_id"),
			intColumn("transfer_duration"),
		},
	},

	{
		Name:       "fare_rules",
		PrimaryKey: []string{"fare_id", "route_id", "origin_id", "destination_id", "contains_id"},
		Columns: []columnSchema{
			references(textColumn("fare_id"), "fare_attributes", "fare_id"),
			references(emptyKeyColumn("route_id"), "routes", "route_id"),
			emptyKeyColumn("origin_id"),
			emptyKeyColumn("destination_id"),
			emptyKeyColumn("contains_id"),
		},
	},

	{
		Name:       "translations",
		PrimaryKey: []string{"table_name", "field_name", "language", "record_id", "record_sub_id", "field_value"},
		Columns: []columnSchema{
			textColumn("table_name"),
			textColumn("field_name"),
			textColumn("language"),
			emptyKeyColumn("record_id"),
			emptyKeyColumn("record_sub_id"),
			emptyKeyColumn("field_value"),
			textColumn("translation"),
		},
	},
}

var metaSchema = &tableSchema{
	Name:       "schema_meta",
	PrimaryKey: []string{"key"},
	Columns:    []columnSchema{textColumn("key"), textColumn("value")},
}

var gtfsIndexes = []indexSchema{
	{Name: "stop_times_stop_id_idx", Table: "stop_times", Columns: []string{"stop_id"}},
	{Name: "stop_times_trip_id_idx", Table: "stop_times", Columns: []string{"trip_id"}},
	{Name: "trips_route_id_idx", Table: "trips", Columns: []string{"route_id"}},
	{Name: "trips_service_id_idx", Table: "trips", Columns: []string{"service_id"}},
	{Name: "shapes_shape_id_idx", Table: "shapes", Columns: []string{"shape_id"}},
}

func lookupTable(name string) *tableSchema {
	for _, t := range gtfsSchema {
		if t.Name == name {
			return t
		}
	}
	if name == metaSchema.Name {
		return metaSchema
	}
	panic("unknown table " + name)
}

// EnsureSchema creates every table, index, spatial index and trigger the
// loaders and views rely on. Existing objects are left untouched, so it is
// safe to call before every run.
func EnsureSchema(ctx context.Context, store Store) error {
	d := store.dialect()

	var statements []string
	statements = append(statements, d.prelude()...)
	for _, table := range gtfsSchema {
		statements = append(statements, d.createTable(table)...)
	}
	statements = append(statements, d.createTable(metaSchema)...)
	for _, index := range gtfsIndexes {
		statements = append(statements, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			index.Name, index.Table, strings.Join(index.Columns, ", ")))
	}
	statements = append(statements, d.spatialIndex()...)

	for _, stmt := range statements {
		if err := store.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %s: %w", firstLine(stmt), err)
		}
	}

	return UpsertRows(ctx, store, metaSchema.Name, [][]any{{"schema_version", schemaVersion}}, 1)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i != -1 {
		return s[:i]
	}
	return s
}
