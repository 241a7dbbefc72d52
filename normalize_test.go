package gtfs2db

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"testing"
	"time"
)

func TestParseServiceTime(t *testing.T) {
	cases := []struct {
		in      string
		ok      bool
		seconds int
		text    string
	}{
		{"08:00:00", true, 8 * 3600, "08:00:00"},
		{"8:05:09", true, 8*3600 + 5*60 + 9, "08:05:09"},
		{" 23:59:59 ", true, 86399, "23:59:59"},
		{"24:05:00", true, 86400 + 300, "24:05:00"},
		{"25:10:00", true, 90600, "25:10:00"},
		{"01:10:00", true, 4200, "01:10:00"},
		{"101:00:00", true, 101 * 3600, "101:00:00"},
		{"25:10", false, 0, ""},
		{"", false, 0, ""},
		{"08:60:00", false, 0, ""},
		{"08:00:60", false, 0, ""},
		{"08:0:00", false, 0, ""},
		{"-1:00:00", false, 0, ""},
		{"08:00:00:00", false, 0, ""},
		{"ab:cd:ef", false, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseServiceTime(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.seconds, int(got))
				assert.Equal(t, tc.text, got.String())
			}
		})
	}
}

func TestServiceTimeOverflow(t *testing.T) {
	late, ok := ParseServiceTime("25:10:00")
	require.True(t, ok)
	early, ok := ParseServiceTime("01:10:00")
	require.True(t, ok)

	assert.NotEqual(t, late, early)
	assert.Equal(t, early.WallClock(), late.WallClock())
	assert.Equal(t, 70*time.Minute, late.WallClock())
	assert.Equal(t, 1, late.DayOffset())
	assert.Equal(t, 0, early.DayOffset())
	assert.Equal(t, 1, late.Hour())
	assert.Greater(t, late, early)
}

func TestNewPoint(t *testing.T) {
	p, ok := NewPoint("34.39", "132.45")
	require.True(t, ok)
	assert.Equal(t, Point{Lat: 34.39, Lon: 132.45}, p)
	assert.JSONEq(t, `{"type":"Point","coordinates":[132.45,34.39]}`, p.GeoJSON())

	invalid := [][2]string{
		{"200", "132.45"},
		{"34.39", "181"},
		{"-90.5", "0"},
		{"", "132.45"},
		{"34.39", ""},
		{"north", "132.45"},
		{"NaN", "0"},
		{"0", "Inf"},
	}
	for _, in := range invalid {
		_, ok := NewPoint(in[0], in[1])
		assert.False(t, ok, "%q, %q", in[0], in[1])
	}
}

func TestPointDistance(t *testing.T) {
	a := Point{Lat: 0, Lon: 0}
	b := Point{Lat: 0, Lon: 1}
	// One degree of longitude on the equator
	assert.InDelta(t, 111.2, a.DistanceKM(b), 0.1)
	assert.Zero(t, a.DistanceKM(a))
	assert.False(t, math.IsNaN(a.DistanceKM(Point{Lat: 90, Lon: 180})))
}
