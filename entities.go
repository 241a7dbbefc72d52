package gtfs2db

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedRow = errors.New("malformed row")

// entity binds a GTFS table file to its store table. Map turns one source
// record into one value per table column, in schema order.
type entity struct {
	Name     string
	File     string
	Table    string
	Required bool
	Map      func(p *fieldParser) []any
}

// Load order follows the references between tables.
var entities = []entity{
	{Name: "Agency", File: "agency.txt", Table: "agency", Required: true, Map: mapAgency},
	{Name: "Route", File: "routes.txt", Table: "routes", Required: true, Map: mapRoute},
	{Name: "Stop", File: "stops.txt", Table: "stops", Required: true, Map: mapStop},
	{Name: "ServiceCalendar", File: "calendar.txt", Table: "calendar", Map: mapCalendar},
	{Name: "CalendarException", File: "calendar_dates.txt", Table: "calendar_dates", Map: mapCalendarDate},
	{Name: "Trip", File: "trips.txt", Table: "trips", Required: true, Map: mapTrip},
	{Name: "StopTime", File: "stop_times.txt", Table: "stop_times", Required: true, Map: mapStopTime},
	{Name: "ShapePoint", File: "shapes.txt", Table: "shapes", Map: mapShapePoint},
	{Name: "FareAttribute", File: "fare_attributes.txt", Table: "fare_attributes", Map: mapFareAttribute},
	{Name: "FareRule", File: "fare_rules.txt", Table: "fare_rules", Map: mapFareRule},
	{Name: "Translation", File: "translations.txt", Table: "translations", Map: mapTranslation},
}

func mapAgency(p *fieldParser) []any {
	return []any{
		p.keyPart("agency_id"),
		p.text("agency_name"),
		p.text("agency_url"),
		p.text("agency_timezone"),
		p.text("agency_lang"),
		p.text("agency_phone"),
		p.text("agency_fare_url"),
		p.text("agency_email"),
	}
}

// RouteTypes names the basic GTFS route types by code.
var RouteTypes = []string{"tram", "subway", "rail", "bus", "ferry", "cable", "gondola", "funicular"}

const defaultRouteType = 3

func mapRoute(p *fieldParser) []any {
	routeType := parseRouteType(p.rec.Get("route_type"))
	return []any{
		p.key("route_id"),
		p.text("agency_id"),
		p.text("route_short_name"),
		p.text("route_long_name"),
		p.text("route_desc"),
		int64(routeType),
		RouteTypes[routeType],
		p.text("route_url"),
		p.text("route_color"),
		p.text("route_text_color"),
		p.integer("route_sort_order"),
	}
}

// parseRouteType accepts a route type code or name, falling back to bus.
func parseRouteType(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 0 && n < len(RouteTypes) {
			return n
		}
		return defaultRouteType
	}
	for i, name := range RouteTypes {
		if strings.EqualFold(s, name) {
			return i
		}
	}
	return defaultRouteType
}

func mapStop(p *fieldParser) []any {
	lat, lon := p.rec.Get("stop_lat"), p.rec.Get("stop_lon")
	var geom any
	if point, ok := NewPoint(lat, lon); ok {
		geom = point.GeoJSON()
	}
	return []any{
		p.key("stop_id"),
		p.text("stop_code"),
		p.text("stop_name"),
		p.text("stop_desc"),
		p.text("stop_lat"),
		p.text("stop_lon"),
		p.text("zone_id"),
		p.text("stop_url"),
		p.integer("location_type"),
		p.text("parent_station"),
		p.text("stop_timezone"),
		p.integer("wheelchair_boarding"),
		p.text("platform_code"),
		geom,
	}
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

func mapCalendar(p *fieldParser) []any {
	row := []any{p.key("service_id")}
	for _, day := range weekdays {
		row = append(row, p.flag(day))
	}
	start, end := p.date("start_date"), p.date("end_date")
	if start != "" && end != "" && start > end {
		p.fail("start_date %s is after end_date %s", start, end)
	}
	return append(row, start, end)
}

func mapCalendarDate(p *fieldParser) []any {
	return []any{
		p.key("service_id"),
		p.date("date"),
		p.integer("exception_type"),
	}
}

func mapTrip(p *fieldParser) []any {
	return []any{
		p.key("trip_id"),
		p.text("route_id"),
		p.text("service_id"),
		p.text("trip_headsign"),
		p.text("trip_short_name"),
		p.integer("direction_id"),
		p.text("block_id"),
		p.text("shape_id"),
		p.integer("wheelchair_accessible"),
		p.integer("bikes_allowed"),
	}
}

func mapStopTime(p *fieldParser) []any {
	arrival, arrivalSecs := p.serviceTime("arrival_time")
	departure, departureSecs := p.serviceTime("departure_time")
	return []any{
		p.key("trip_id"),
		p.keyInt("stop_sequence"),
		arrival,
		arrivalSecs,
		departure,
		departureSecs,
		p.text("stop_id"),
		p.text("stop_headsign"),
		p.integer("pickup_type"),
		p.integer("drop_off_type"),
		p.number("shape_dist_traveled"),
		p.integer("timepoint"),
	}
}

// Shape coordinates are kept as text like stop coordinates; invalid ones
// only drop the point from length measurement.
func mapShapePoint(p *fieldParser) []any {
	return []any{
		p.key("shape_id"),
		p.keyInt("shape_pt_sequence"),
		p.text("shape_pt_lat"),
		p.text("shape_pt_lon"),
		p.number("shape_dist_traveled"),
	}
}

func mapFareAttribute(p *fieldParser) []any {
	return []any{
		p.key("fare_id"),
		p.number("price"),
		p.text("currency_type"),
		p.integer("payment_method"),
		p.integer("transfers"),
		p.text("agency_id"),
		p.integer("transfer_duration"),
	}
}

func mapFareRule(p *fieldParser) []any {
	return []any{
		p.key("fare_id"),
		p.keyPart("route_id"),
		p.keyPart("origin_id"),
		p.keyPart("destination_id"),
		p.keyPart("contains_id"),
	}
}

func mapTranslation(p *fieldParser) []any {
	return []any{
		p.key("table_name"),
		p.key("field_name"),
		p.key("language"),
		p.keyPart("record_id"),
		p.keyPart("record_sub_id"),
		p.keyPart("field_value"),
		p.text("translation"),
	}
}

// fieldParser reads typed fields out of one record and collects every
// problem it finds, so a row reports all of its bad fields at once.
type fieldParser struct {
	rec      Record
	problems []string
}

func (p *fieldParser) fail(format string, args ...any) {
	p.problems = append(p.problems, fmt.Sprintf(format, args...))
}

func (p *fieldParser) err() error {
	if len(p.problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: line %d: %s", ErrMalformedRow, p.rec.Line, strings.Join(p.problems, "; "))
}

// key is a required identifier.
func (p *fieldParser) key(name string) string {
	v := p.rec.Get(name)
	if v == "" {
		p.fail("missing %s", name)
	}
	return v
}

// keyPart is a key column that may be blank.
func (p *fieldParser) keyPart(name string) string {
	return p.rec.Get(name)
}

func (p *fieldParser) text(name string) any {
	if v := p.rec.Get(name); v != "" {
		return v
	}
	return nil
}

func (p *fieldParser) integer(name string) any {
	v := p.rec.Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail("%s is not an integer: %q", name, v)
		return nil
	}
	return n
}

func (p *fieldParser) keyInt(name string) any {
	if p.rec.Get(name) == "" {
		p.fail("missing %s", name)
		return nil
	}
	return p.integer(name)
}

func (p *fieldParser) number(name string) any {
	v := p.rec.Get(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail("%s is not a number: %q", name, v)
		return nil
	}
	return f
}

func (p *fieldParser) flag(name string) any {
	v := p.integer(name)
	if n, ok := v.(int64); ok && n != 0 && n != 1 {
		p.fail("%s must be 0 or 1, got %d", name, n)
	}
	return v
}

// date is a required YYYYMMDD service date.
func (p *fieldParser) date(name string) string {
	v := p.rec.Get(name)
	if v == "" {
		p.fail("missing %s", name)
		return ""
	}
	if _, err := time.Parse("20060102", v); err != nil || len(v) != 8 {
		p.fail("%s is not a YYYYMMDD date: %q", name, v)
		return ""
	}
	return v
}

// serviceTime returns the canonical text and seconds of a feed time. Blank
// or malformed times are stored as absent.
func (p *fieldParser) serviceTime(name string) (any, any) {
	t, ok := ParseServiceTime(p.rec.Get(name))
	if !ok {
		return nil, nil
	}
	return t.String(), int64(t)
}
