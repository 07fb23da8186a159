package db

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"routecast/internal/geo"
)

// Route is a route definition as written in the seed file.
type Route struct {
	ID    string      `yaml:"id"`
	Name  string      `yaml:"name"`
	Stops []RouteStop `yaml:"stops"`
}

type RouteStop struct {
	ID   string  `yaml:"id"`
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lng  float64 `yaml:"lng"`
}

type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// Snapshot returns the stops in file order with their sequence index.
func (r Route) Snapshot() []geo.Stop {
	out := make([]geo.Stop, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = geo.Stop{
			ID:       s.ID,
			Name:     s.Name,
			Position: geo.Coordinate{Lat: s.Lat, Lng: s.Lng},
			Sequence: i,
		}
	}
	return out
}

// LoadRoutesFile reads a YAML document of the form
//
//	routes:
//	  - id: r1
//	    name: North loop
//	    stops:
//	      - {id: s1, name: Depot, lat: 41.38, lng: 2.17}
func LoadRoutesFile(path string) ([]Route, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(b)
}

func ParseRoutes(b []byte) ([]Route, error) {
	var f routesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	seen := make(map[string]bool, len(f.Routes))
	for _, r := range f.Routes {
		if r.ID == "" {
			return nil, errors.New("route without id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate route %q", r.ID)
		}
		seen[r.ID] = true
		stopIDs := make(map[string]bool, len(r.Stops))
		for i, s := range r.Stops {
			if s.ID == "" {
				return nil, fmt.Errorf("route %s: stop %d without id", r.ID, i)
			}
			if stopIDs[s.ID] {
				return nil, fmt.Errorf("route %s: duplicate stop %q", r.ID, s.ID)
			}
			stopIDs[s.ID] = true
			if !geo.IsValidCoordinate(s.Lat, s.Lng) {
				return nil, fmt.Errorf("route %s: stop %s has invalid coordinate %v,%v", r.ID, s.ID, s.Lat, s.Lng)
			}
		}
	}
	return f.Routes, nil
}
