package events

import (
	"encoding/json"
	"time"

	"routecast/internal/progress"
)

const (
	TypeStatus              = "status"
	TypeLocationUpdate      = "locationUpdate"
	TypeFleetLocationUpdate = "fleetLocationUpdate"
	TypeEmergencyAlert      = "emergencyAlert"
	TypeRiderWaiting        = "riderWaiting"
	TypeError               = "error"
)

// Error codes sent back to the connection that caused them.
const (
	CodeValidation = "validation"
	CodeConflict   = "conflict"
	CodeNotSharing = "not_sharing"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// Outbound is one of the event types the server pushes to clients.
type Outbound interface {
	Type() string
	outbound()
}

type Status struct {
	VehicleID string `json:"vehicleId"`
	RouteID   string `json:"routeId"`
	Sharing   bool   `json:"sharing"`
}

type LocationUpdate struct {
	VehicleID string            `json:"vehicleId"`
	RouteID   string            `json:"routeId"`
	Lat       float64           `json:"lat"`
	Lng       float64           `json:"lng"`
	Timestamp time.Time         `json:"timestamp"`
	Progress  progress.Progress `json:"progress"`
}

// FleetLocationUpdate is the enriched variant delivered to fleet observers.
type FleetLocationUpdate struct {
	LocationUpdate
	DistanceDeltaKm    float64 `json:"distanceDeltaKm"`
	DistanceTraveledKm float64 `json:"distanceTraveledKm"`
	ElapsedSeconds     float64 `json:"elapsedSeconds"`
}

type EmergencyAlert struct {
	RouteID   string    `json:"routeId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type RiderWaiting struct {
	RouteID       string    `json:"routeId"`
	StopID        string    `json:"stopId"`
	RiderIdentity string    `json:"riderIdentity"`
	Timestamp     time.Time `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Status) Type() string              { return TypeStatus }
func (LocationUpdate) Type() string      { return TypeLocationUpdate }
func (FleetLocationUpdate) Type() string { return TypeFleetLocationUpdate }
func (EmergencyAlert) Type() string      { return TypeEmergencyAlert }
func (RiderWaiting) Type() string        { return TypeRiderWaiting }
func (Error) Type() string               { return TypeError }

func (Status) outbound()              {}
func (LocationUpdate) outbound()      {}
func (FleetLocationUpdate) outbound() {}
func (EmergencyAlert) outbound()      {}
func (RiderWaiting) outbound()        {}
func (Error) outbound()               {}

type outEnvelope struct {
	Type string   `json:"type"`
	Data Outbound `json:"data"`
}

// Encode renders ev as a {"type","data"} frame.
func Encode(ev Outbound) ([]byte, error) {
	return json.Marshal(outEnvelope{Type: ev.Type(), Data: ev})
}

// RouteOf returns the route an outbound event belongs to, if any.
func RouteOf(ev Outbound) string {
	switch e := ev.(type) {
	case Status:
		return e.RouteID
	case LocationUpdate:
		return e.RouteID
	case FleetLocationUpdate:
		return e.RouteID
	case EmergencyAlert:
		return e.RouteID
	case RiderWaiting:
		return e.RouteID
	}
	return ""
}

// VehicleOf returns the vehicle an outbound event belongs to, if any.
func VehicleOf(ev Outbound) string {
	switch e := ev.(type) {
	case Status:
		return e.VehicleID
	case LocationUpdate:
		return e.VehicleID
	case FleetLocationUpdate:
		return e.VehicleID
	}
	return ""
}
