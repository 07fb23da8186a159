package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"routecast/internal/geo"
)

const (
	TypeSubscribeRoute   = "subscribeRoute"
	TypeUnsubscribeRoute = "unsubscribeRoute"
	TypeJoinFleetChannel = "joinFleetChannel"
	TypeStartSharing     = "startSharing"
	TypeStopSharing      = "stopSharing"
	TypeLocationSample   = "locationSample"
	TypeSignalWaiting    = "signalWaiting"
	TypeTriggerEmergency = "triggerEmergency"
	TypeHeartbeat        = "heartbeat"
)

// ValidationError reports a malformed inbound event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// Inbound is one of the event types a client may send.
type Inbound interface {
	Type() string
	inbound()
}

type SubscribeRoute struct {
	RouteID string `json:"routeId" validate:"required,max=128"`
}

type UnsubscribeRoute struct {
	RouteID string `json:"routeId" validate:"required,max=128"`
}

type JoinFleetChannel struct{}

type StartSharing struct {
	VehicleID string `json:"vehicleId" validate:"required,max=128"`
	RouteID   string `json:"routeId" validate:"required,max=128"`
}

type StopSharing struct {
	VehicleID string `json:"vehicleId" validate:"required,max=128"`
	RouteID   string `json:"routeId" validate:"required,max=128"`
}

// LocationSample carries pointer coordinates so a missing value can be told
// apart from zero.
type LocationSample struct {
	VehicleID string     `json:"vehicleId" validate:"required,max=128"`
	RouteID   string     `json:"routeId" validate:"required,max=128"`
	Lat       *float64   `json:"lat" validate:"required,latitude"`
	Lng       *float64   `json:"lng" validate:"required,longitude"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Location converts the sample, stamping it with now when the client sent no
// timestamp.
func (s LocationSample) Location(now time.Time) geo.Location {
	l := geo.Location{Timestamp: now}
	if s.Lat != nil {
		l.Lat = *s.Lat
	}
	if s.Lng != nil {
		l.Lng = *s.Lng
	}
	if s.Timestamp != nil && !s.Timestamp.IsZero() {
		l.Timestamp = *s.Timestamp
	}
	return l
}

type SignalWaiting struct {
	RouteID       string `json:"routeId" validate:"required,max=128"`
	StopID        string `json:"stopId" validate:"required,max=128"`
	RiderIdentity string `json:"riderIdentity" validate:"required,max=256"`
}

type TriggerEmergency struct {
	RouteID string `json:"routeId" validate:"required,max=128"`
	Message string `json:"message" validate:"required,max=1024"`
}

type Heartbeat struct{}

func (SubscribeRoute) Type() string   { return TypeSubscribeRoute }
func (UnsubscribeRoute) Type() string { return TypeUnsubscribeRoute }
func (JoinFleetChannel) Type() string { return TypeJoinFleetChannel }
func (StartSharing) Type() string     { return TypeStartSharing }
func (StopSharing) Type() string      { return TypeStopSharing }
func (LocationSample) Type() string   { return TypeLocationSample }
func (SignalWaiting) Type() string    { return TypeSignalWaiting }
func (TriggerEmergency) Type() string { return TypeTriggerEmergency }
func (Heartbeat) Type() string        { return TypeHeartbeat }

func (SubscribeRoute) inbound()   {}
func (UnsubscribeRoute) inbound() {}
func (JoinFleetChannel) inbound() {}
func (StartSharing) inbound()     {}
func (StopSharing) inbound()      {}
func (LocationSample) inbound()   {}
func (SignalWaiting) inbound()    {}
func (TriggerEmergency) inbound() {}
func (Heartbeat) inbound()        {}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates one inbound frame.
func Decode(b []byte) (Inbound, error) {
	var env envelope
	if err := strictUnmarshal(b, &env); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	switch env.Type {
	case TypeSubscribeRoute:
		return decodeData[SubscribeRoute](env.Data)
	case TypeUnsubscribeRoute:
		return decodeData[UnsubscribeRoute](env.Data)
	case TypeJoinFleetChannel:
		return decodeData[JoinFleetChannel](env.Data)
	case TypeStartSharing:
		return decodeData[StartSharing](env.Data)
	case TypeStopSharing:
		return decodeData[StopSharing](env.Data)
	case TypeLocationSample:
		return decodeData[LocationSample](env.Data)
	case TypeSignalWaiting:
		return decodeData[SignalWaiting](env.Data)
	case TypeTriggerEmergency:
		return decodeData[TriggerEmergency](env.Data)
	case TypeHeartbeat:
		return decodeData[Heartbeat](env.Data)
	case "":
		return nil, &ValidationError{Field: "type", Reason: "is required"}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}
}

// Validate checks an event built outside Decode, such as one translated from
// device telemetry.
func Validate(in Inbound) error {
	if err := validate.Struct(in); err != nil {
		return fromValidator(err)
	}
	return nil
}

type inboundType interface {
	Inbound
	SubscribeRoute | UnsubscribeRoute | JoinFleetChannel | StartSharing | StopSharing |
		LocationSample | SignalWaiting | TriggerEmergency | Heartbeat
}

func decodeData[T inboundType](data json.RawMessage) (Inbound, error) {
	var v T
	if len(data) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := strictUnmarshal(data, &v); err != nil {
			return nil, &ValidationError{Field: "data", Reason: err.Error()}
		}
	}
	if err := validate.Struct(v); err != nil {
		return nil, fromValidator(err)
	}
	return v, nil
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		switch fe.Tag() {
		case "required":
			reason = "is required"
		case "latitude", "longitude":
			reason = "is out of range"
		case "max":
			reason = "exceeds " + fe.Param() + " characters"
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}
