package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name string
		a, b Coordinate
		want float64
		tol  float64
	}{
		{"same point", Coordinate{10, 10}, Coordinate{10, 10}, 0, 1e-9},
		{"one degree of latitude", Coordinate{0, 0}, Coordinate{1, 0}, 111.195, 0.01},
		{"small longitude step at equator", Coordinate{0, 0}, Coordinate{0, 0.001}, 0.1112, 0.001},
		{"antipodal", Coordinate{0, 0}, Coordinate{0, 180}, math.Pi * earthRadiusKm, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DistanceKm(tt.a, tt.b), tt.tol)
			assert.InDelta(t, DistanceKm(tt.a, tt.b), DistanceKm(tt.b, tt.a), 1e-9)
		})
	}
}

func TestIsValidCoordinate(t *testing.T) {
	tests := []struct {
		lat, lng float64
		want     bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90, -180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
		{0, math.NaN(), false},
		{math.Inf(1), 0, false},
		{0, math.Inf(-1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidCoordinate(tt.lat, tt.lng), "lat=%v lng=%v", tt.lat, tt.lng)
		assert.Equal(t, tt.want, Coordinate{tt.lat, tt.lng}.Valid())
	}
}

func TestBearing(t *testing.T) {
	assert.InDelta(t, 0, Bearing(Coordinate{0, 0}, Coordinate{1, 0}), 1e-6)
	assert.InDelta(t, 90, Bearing(Coordinate{0, 0}, Coordinate{0, 1}), 1e-6)
	assert.InDelta(t, 180, Bearing(Coordinate{1, 0}, Coordinate{0, 0}), 1e-6)
	assert.InDelta(t, 270, Bearing(Coordinate{0, 1}, Coordinate{0, 0}), 1e-6)
}

func TestInterpolateAlong(t *testing.T) {
	pts := []Coordinate{{0, 0}, {0, 0.01}, {0, 0.02}}
	cum := CumulativeKm(pts)
	require.Len(t, cum, 3)
	assert.Zero(t, cum[0])
	assert.InDelta(t, cum[1]*2, cum[2], 1e-6)

	start, _ := InterpolateAlong(pts, cum, -1)
	assert.Equal(t, pts[0], start)

	end, _ := InterpolateAlong(pts, cum, cum[2]+5)
	assert.Equal(t, pts[2], end)

	mid, brng := InterpolateAlong(pts, cum, cum[1]/2)
	assert.InDelta(t, 0.005, mid.Lng, 1e-9)
	assert.InDelta(t, 0, mid.Lat, 1e-9)
	assert.InDelta(t, 90, brng, 1e-6)

	single, _ := InterpolateAlong(pts[:1], cum[:1], 3)
	assert.Equal(t, pts[0], single)
}
