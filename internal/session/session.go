package session

import (
	"errors"
	"fmt"
	"time"

	"routecast/internal/geo"
	"routecast/internal/progress"
)

var (
	ErrNotSharing        = errors.New("session: vehicle is not sharing")
	ErrInvalidCoordinate = errors.New("session: invalid coordinate")
	ErrRouteMismatch     = errors.New("session: route does not match active session")
)

type State int

const (
	Offline State = iota
	Sharing
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Sharing:
		return "sharing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Update describes an accepted location sample.
type Update struct {
	Location   geo.Location
	Progress   progress.Progress
	DeltaKm    float64
	TraveledKm float64
	Elapsed    time.Duration
}

// Session is the lifecycle of one vehicle sharing its position on a route.
// It is not safe for concurrent use.
type Session struct {
	vehicleID  string
	routeID    string
	state      State
	last       *geo.Location
	tracker    *progress.Tracker
	startedAt  time.Time
	traveledKm float64
}

func New(vehicleID string) *Session {
	return &Session{vehicleID: vehicleID, tracker: progress.NewTracker()}
}

func (s *Session) VehicleID() string    { return s.vehicleID }
func (s *Session) RouteID() string      { return s.routeID }
func (s *Session) State() State         { return s.state }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Start moves the session to Sharing on routeID with the given stop snapshot.
// Starting again on the same route is a no-op and reports changed=false.
func (s *Session) Start(routeID string, stops []geo.Stop, now time.Time) (bool, error) {
	if s.state == Sharing {
		if s.routeID != routeID {
			return false, fmt.Errorf("%w: sharing on %s", ErrRouteMismatch, s.routeID)
		}
		return false, nil
	}
	snapshot := make([]geo.Stop, len(stops))
	copy(snapshot, stops)

	s.routeID = routeID
	s.state = Sharing
	s.last = nil
	s.startedAt = now
	s.traveledKm = 0
	s.tracker.Reset(snapshot)
	return true, nil
}

// Stop moves the session to Offline. It reports true only for the call that
// performed the transition.
func (s *Session) Stop() bool {
	if s.state != Sharing {
		return false
	}
	s.state = Offline
	s.last = nil
	s.tracker.Reset(nil)
	return true
}

// Ingest validates and applies a location sample. Rejected samples leave the
// session untouched.
func (s *Session) Ingest(routeID string, loc geo.Location, est *progress.Estimator, now time.Time) (Update, *progress.ETARequest, error) {
	if s.state != Sharing {
		return Update{}, nil, ErrNotSharing
	}
	if routeID != "" && routeID != s.routeID {
		return Update{}, nil, fmt.Errorf("%w: got %s, sharing on %s", ErrRouteMismatch, routeID, s.routeID)
	}
	if !loc.Valid() {
		return Update{}, nil, fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, loc.Lat, loc.Lng)
	}

	var delta float64
	if s.last != nil {
		delta = geo.DistanceKm(s.last.Coordinate, loc.Coordinate)
	}
	s.traveledKm += delta
	l := loc
	s.last = &l

	p, req := est.Observe(s.tracker, loc.Coordinate, now)
	return Update{
		Location:   loc,
		Progress:   p,
		DeltaKm:    delta,
		TraveledKm: s.traveledKm,
		Elapsed:    now.Sub(s.startedAt),
	}, req, nil
}

// ApplyETA hands a resolved ETA to the progress tracker.
func (s *Session) ApplyETA(res progress.ETAResult) bool {
	if s.state != Sharing {
		return false
	}
	return s.tracker.Apply(res)
}

// LastLocation is nil unless the session is sharing and has accepted a sample.
func (s *Session) LastLocation() *geo.Location {
	if s.state != Sharing || s.last == nil {
		return nil
	}
	l := *s.last
	return &l
}

func (s *Session) ActiveStopIndex() int { return s.tracker.Index() }

func (s *Session) Stops() []geo.Stop { return s.tracker.Stops() }
