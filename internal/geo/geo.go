package geo

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a usable WGS84 coordinate.
func (c Coordinate) Valid() bool { return IsValidCoordinate(c.Lat, c.Lng) }

type Stop struct {
	ID       string     `json:"stopId"`
	Name     string     `json:"name,omitempty"`
	Position Coordinate `json:"position"`
	Sequence int        `json:"sequence"`
}

// Location is a timestamped fix reported by a vehicle.
type Location struct {
	Coordinate
	Timestamp time.Time `json:"timestamp"`
}

func IsValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b Coordinate) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// CumulativeKm returns the running distance along pts, starting at 0.
func CumulativeKm(pts []Coordinate) []float64 {
	if len(pts) == 0 {
		return nil
	}
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + DistanceKm(pts[i-1], pts[i])
	}
	return cum
}

// InterpolateAlong walks km along the polyline pts and returns the point
// reached together with the bearing of the segment it lies on. cum must come
// from CumulativeKm(pts).
func InterpolateAlong(pts []Coordinate, cum []float64, km float64) (Coordinate, float64) {
	n := len(pts)
	if n == 0 {
		return Coordinate{}, 0
	}
	if n == 1 || cum[n-1] == 0 {
		return pts[0], 0
	}
	if km <= 0 {
		return pts[0], Bearing(pts[0], pts[1])
	}
	if km >= cum[n-1] {
		return pts[n-1], Bearing(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n-1 && cum[i] < km {
		i++
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0, Bearing(p0, p1)
	}
	frac := (km - d0) / (d1 - d0)
	return Coordinate{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lng: p0.Lng + (p1.Lng-p0.Lng)*frac,
	}, Bearing(p0, p1)
}

// Positions extracts the coordinates of stops in order.
func Positions(stops []Stop) []Coordinate {
	out := make([]Coordinate, len(stops))
	for i, s := range stops {
		out[i] = s.Position
	}
	return out
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
