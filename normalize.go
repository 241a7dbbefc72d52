package gtfs2db

import (
	"fmt"
	"github.com/golang/geo/s2"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"math"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// ServiceTime is a GTFS time: seconds since the start of the service day.
// Values of a day or more are service past midnight, so 25:10:00 and
// 01:10:00 stay distinct.
type ServiceTime int

// ParseServiceTime parses H:MM:SS or HH:MM:SS, allowing hours of 24 and
// above. Anything else is reported as absent.
func ParseServiceTime(s string) (ServiceTime, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}

	hours, ok := parseDigits(parts[0], 1, 3)
	if !ok {
		return 0, false
	}
	minutes, ok := parseDigits(parts[1], 2, 2)
	if !ok || minutes > 59 {
		return 0, false
	}
	seconds, ok := parseDigits(parts[2], 2, 2)
	if !ok || seconds > 59 {
		return 0, false
	}

	return ServiceTime(hours*3600 + minutes*60 + seconds), true
}

func parseDigits(s string, minLen, maxLen int) (int, bool) {
	if len(s) < minLen || len(s) > maxLen {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// DayOffset is the number of midnights past the start of the service day.
func (t ServiceTime) DayOffset() int { return int(t) / secondsPerDay }

// WallClock is the local time of day, without the day offset.
func (t ServiceTime) WallClock() time.Duration {
	return time.Duration(int(t)%secondsPerDay) * time.Second
}

// Hour is the wall-clock hour, 0-23.
func (t ServiceTime) Hour() int { return (int(t) / 3600) % 24 }

// String formats t as HH:MM:SS, keeping hours past 24.
func (t ServiceTime) String() string {
	s := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// Point is a validated WGS 84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// NewPoint parses a latitude/longitude pair. It reports false when either
// value is missing, not finite, or out of range.
func NewPoint(latText, lonText string) (Point, bool) {
	lat, ok := parseCoordinate(latText, 90)
	if !ok {
		return Point{}, false
	}
	lon, ok := parseCoordinate(lonText, 180)
	if !ok {
		return Point{}, false
	}
	return Point{Lat: lat, Lon: lon}, true
}

func parseCoordinate(s string, limit float64) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v < -limit || v > limit {
		return 0, false
	}
	return v, true
}

// GeoJSON renders p as a GeoJSON Point geometry.
func (p Point) GeoJSON() string {
	return geojson.NewPoint(geometry.Point{X: p.Lon, Y: p.Lat}).JSON()
}

func (p Point) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lon)
}

const earthRadiusKM = 6371.0088

// DistanceKM is the great-circle distance between p and q.
func (p Point) DistanceKM(q Point) float64 {
	return p.LatLng().Distance(q.LatLng()).Radians() * earthRadiusKM
}
