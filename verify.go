package gtfs2db

import (
	"context"
	"fmt"
	"strings"
)

type Bounds struct {
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
}

// Orphans counts rows whose reference does not resolve, for one declared
// reference between tables.
type Orphans struct {
	Table     string `json:"table" yaml:"table"`
	Column    string `json:"column" yaml:"column"`
	Reference string `json:"reference" yaml:"reference"`
	Count     int64  `json:"count" yaml:"count"`
}

type ShapeStats struct {
	Count     int     `json:"count" yaml:"count"`
	TotalKM   float64 `json:"total_km" yaml:"total_km"`
	LongestID string  `json:"longest_id,omitempty" yaml:"longest_id,omitempty"`
	LongestKM float64 `json:"longest_km" yaml:"longest_km"`
}

// Verification is the completion report of a run. It describes what was
// loaded and never judges it; unexpected values only produce warnings.
type Verification struct {
	Counts        map[string]int64 `json:"counts" yaml:"counts"`
	GeocodedStops int64            `json:"geocoded_stops" yaml:"geocoded_stops"`
	Bounds        *Bounds          `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	Orphans       []Orphans        `json:"orphans,omitempty" yaml:"orphans,omitempty"`
	Shapes        ShapeStats       `json:"shapes" yaml:"shapes"`
	Warnings      []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func (v *Verification) warn(msg string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(msg, args...))
}

// Verify counts the rows of every table and reports stop bounds, unresolved
// references and shape lengths.
func Verify(ctx context.Context, store Store) (*Verification, error) {
	v := &Verification{Counts: make(map[string]int64)}

	for _, table := range gtfsSchema {
		var count int64
		err := store.Query(ctx, "SELECT COUNT(*) FROM "+table.Name, func(row Row) error {
			count = row.Int64(0)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("verify: count %s: %w", table.Name, err)
		}
		v.Counts[table.Name] = count
	}
	for _, e := range entities {
		if e.Required && v.Counts[e.Table] == 0 {
			v.warn("%s is empty", e.Table)
		}
	}

	if err := v.verifyStops(ctx, store); err != nil {
		return nil, err
	}
	for _, table := range gtfsSchema {
		if err := v.verifyReferences(ctx, store, table); err != nil {
			return nil, err
		}
	}
	if err := v.verifyShapes(ctx, store); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Verification) verifyStops(ctx context.Context, store Store) error {
	d := store.dialect()
	query := fmt.Sprintf("SELECT COUNT(*), MIN(%[1]s), MIN(%[2]s), MAX(%[1]s), MAX(%[2]s) FROM stops s WHERE s.geom IS NOT NULL",
		d.stopLat("s"), d.stopLon("s"))
	err := store.Query(ctx, query, func(row Row) error {
		v.GeocodedStops = row.Int64(0)
		if v.GeocodedStops > 0 {
			v.Bounds = &Bounds{
				MinLat: row.Float(1),
				MinLon: row.Float(2),
				MaxLat: row.Float(3),
				MaxLon: row.Float(4),
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("verify: stop bounds: %w", err)
	}

	if missing := v.Counts["stops"] - v.GeocodedStops; missing > 0 {
		v.warn("%d of %d stops have no valid coordinates", missing, v.Counts["stops"])
	}
	return nil
}

// verifyReferences counts values of each declared reference that match no
// row of any referenced table. References are never enforced by the store,
// so orphans are reported here instead.
func (v *Verification) verifyReferences(ctx context.Context, store Store, table *tableSchema) error {
	for _, c := range table.Columns {
		ref := c.ForeignID
		if ref == nil {
			continue
		}

		var tables []string
		var missing strings.Builder
		for _, target := range ref.targets() {
			tables = append(tables, target.Table)
			fmt.Fprintf(&missing, "\n\tAND NOT EXISTS (SELECT 1 FROM %[1]s p WHERE p.%[2]s = c.%[3]s)",
				target.Table, target.Column, c.Name)
		}
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %[1]s c
WHERE c.%[2]s IS NOT NULL AND c.%[2]s <> ''%[3]s`,
			table.Name, c.Name, missing.String())

		var count int64
		err := store.Query(ctx, query, func(row Row) error {
			count = row.Int64(0)
			return nil
		})
		if err != nil {
			return fmt.Errorf("verify: references of %s.%s: %w", table.Name, c.Name, err)
		}
		if count == 0 {
			continue
		}

		orphans := Orphans{
			Table:     table.Name,
			Column:    c.Name,
			Reference: ref.String(),
			Count:     count,
		}
		v.Orphans = append(v.Orphans, orphans)
		v.warn("%d row(s) in %s have a %s that is not in %s", count, table.Name, c.Name, strings.Join(tables, " or "))
	}
	return nil
}

// verifyShapes measures every shape as the polyline through its valid
// points in sequence order. Points without valid coordinates are skipped.
func (v *Verification) verifyShapes(ctx context.Context, store Store) error {
	lengths := make(map[string]float64)
	var order []string
	var current string
	var prev *Point
	invalid := 0
	err := store.Query(ctx, "SELECT shape_id, shape_pt_lat, shape_pt_lon FROM shapes ORDER BY shape_id, shape_pt_sequence",
		func(row Row) error {
			id := row.Text(0)
			if id != current || len(order) == 0 {
				current = id
				order = append(order, id)
				lengths[id] = 0
				prev = nil
			}

			p, ok := NewPoint(row.Text(1), row.Text(2))
			if !ok {
				invalid++
				return nil
			}
			if prev != nil {
				lengths[id] += prev.DistanceKM(p)
			}
			prev = &p
			return nil
		})
	if err != nil {
		return fmt.Errorf("verify: shapes: %w", err)
	}
	if invalid > 0 {
		v.warn("%d shape point(s) have no valid coordinates", invalid)
	}

	v.Shapes.Count = len(order)
	for _, id := range order {
		km := lengths[id]
		v.Shapes.TotalKM += km
		if v.Shapes.LongestID == "" || km > v.Shapes.LongestKM {
			v.Shapes.LongestID = id
			v.Shapes.LongestKM = km
		}
	}
	return nil
}
