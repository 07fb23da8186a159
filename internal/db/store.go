package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"routecast/internal/geo"
)

//go:embed schema.sql
var schemaSQL string

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// SQLStore keeps route snapshots and last-known vehicle locations in
// postgres or sqlite. Queries are written with $n placeholders and rebound
// for sqlite.
type SQLStore struct {
	db      *sql.DB
	driver  string
	writeMu sync.Mutex
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error { return Ping(ctx, s.db) }

func (s *SQLStore) Close() error { return s.db.Close() }

// EnsureSchema creates the tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// RouteSnapshot returns the stops of routeID ordered by sequence.
func (s *SQLStore) RouteSnapshot(ctx context.Context, routeID string) ([]geo.Stop, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM routes WHERE route_id = $1`), routeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, routeID)
	}
	if err != nil {
		return nil, fmt.Errorf("query route %s: %w", routeID, err)
	}

	q := `SELECT stop_id, name, lat, lng, stop_sequence
FROM stops
WHERE route_id = $1
ORDER BY stop_sequence, stop_id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), routeID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var stops []geo.Stop
	for rows.Next() {
		var st geo.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Position.Lat, &st.Position.Lng, &st.Sequence); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// SetLastKnownLocation upserts the latest position of vehicleID.
func (s *SQLStore) SetLastKnownLocation(ctx context.Context, vehicleID string, loc geo.Location) error {
	q := `INSERT INTO vehicle_locations (vehicle_id, lat, lng, recorded_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (vehicle_id) DO UPDATE SET lat = excluded.lat, lng = excluded.lng, recorded_at = excluded.recorded_at`
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.rebind(q), vehicleID, loc.Lat, loc.Lng, loc.Timestamp.UTC()); err != nil {
		return fmt.Errorf("upsert location for %s: %w", vehicleID, err)
	}
	return nil
}

// LastKnownLocation returns the stored position of vehicleID.
func (s *SQLStore) LastKnownLocation(ctx context.Context, vehicleID string) (geo.Location, bool, error) {
	var loc geo.Location
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT lat, lng, recorded_at FROM vehicle_locations WHERE vehicle_id = $1`), vehicleID).
		Scan(&loc.Lat, &loc.Lng, &loc.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Location{}, false, nil
	}
	if err != nil {
		return geo.Location{}, false, fmt.Errorf("query location for %s: %w", vehicleID, err)
	}
	return loc, true, nil
}

// SeedRoutes replaces the stops of every given route inside one transaction.
func (s *SQLStore) SeedRoutes(ctx context.Context, routes []Route) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	upsertRoute := s.rebind(`INSERT INTO routes (route_id, name) VALUES ($1, $2)
ON CONFLICT (route_id) DO UPDATE SET name = excluded.name`)
	deleteStops := s.rebind(`DELETE FROM stops WHERE route_id = $1`)
	insertStop := s.rebind(`INSERT INTO stops (route_id, stop_id, stop_sequence, name, lat, lng) VALUES ($1, $2, $3, $4, $5, $6)`)

	for _, r := range routes {
		if _, err := tx.ExecContext(ctx, upsertRoute, r.ID, r.Name); err != nil {
			return fmt.Errorf("seed route %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, deleteStops, r.ID); err != nil {
			return fmt.Errorf("clear stops of %s: %w", r.ID, err)
		}
		for _, st := range r.Snapshot() {
			if _, err := tx.ExecContext(ctx, insertStop, r.ID, st.ID, st.Sequence, st.Name, st.Position.Lat, st.Position.Lng); err != nil {
				return fmt.Errorf("seed stop %s/%s: %w", r.ID, st.ID, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverSQLite {
		return q
	}
	return placeholderRe.ReplaceAllString(q, "?$1")
}
