package gtfs2db

import (
	"context"
	"fmt"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"log/slog"
)

// StopsInBounds returns the ids of stops inside b, using the spatial index.
func StopsInBounds(ctx context.Context, store Store, b Bounds) ([]string, error) {
	rect := geojson.NewRect(geometry.Rect{
		Min: geometry.Point{X: b.MinLon, Y: b.MinLat},
		Max: geometry.Point{X: b.MaxLon, Y: b.MaxLat},
	})
	return stopsMatching(ctx, store, b, rect)
}

// StopsWithin returns the ids of stops inside the GeoJSON geometry or
// feature in featureJSON. The spatial index narrows the candidates to the
// feature's bounding box before the exact containment test.
func StopsWithin(ctx context.Context, store Store, featureJSON string) ([]string, error) {
	feature, err := geojson.Parse(featureJSON, &geojson.ParseOptions{RequireValid: true})
	if err != nil {
		return nil, fmt.Errorf("parse feature: %w", err)
	}

	rect := feature.Rect()
	b := Bounds{MinLat: rect.Min.Y, MinLon: rect.Min.X, MaxLat: rect.Max.Y, MaxLon: rect.Max.X}
	slog.Debug(fmt.Sprintf("Finding stops within a feature of %d points", feature.NumPoints()))
	return stopsMatching(ctx, store, b, feature)
}

func stopsMatching(ctx context.Context, store Store, b Bounds, area geojson.Object) ([]string, error) {
	var ids []string
	err := store.Query(ctx, store.dialect().stopsInBoxQuery(), func(row Row) error {
		stopID := row.Text(0)
		point, err := geojson.Parse(row.Text(1), nil)
		if err != nil {
			slog.Error("Failed to parse stop geometry", "stop_id", stopID, "err", err)
			return nil
		}
		if area.Contains(point) {
			ids = append(ids, stopID)
		}
		return nil
	}, b.MinLon, b.MaxLon, b.MinLat, b.MaxLat)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
