package gtfs

import (
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"routecast/internal/registry"
)

// VehiclePositions builds a full-dataset GTFS-Realtime feed with one entity
// per route that is sharing and has reported a location.
func VehiclePositions(routes []registry.RouteState, now time.Time) *gtfsrtpb.FeedMessage {
	incrementality := gtfsrtpb.FeedHeader_FULL_DATASET
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, st := range routes {
		if !st.Sharing || st.Last == nil {
			continue
		}
		lu := st.Last
		vp := &gtfsrtpb.VehiclePosition{
			Trip:    &gtfsrtpb.TripDescriptor{RouteId: proto.String(st.RouteID)},
			Vehicle: &gtfsrtpb.VehicleDescriptor{Id: proto.String(lu.VehicleID)},
			Position: &gtfsrtpb.Position{
				Latitude:  proto.Float32(float32(lu.Lat)),
				Longitude: proto.Float32(float32(lu.Lng)),
			},
			Timestamp: proto.Uint64(uint64(lu.Timestamp.Unix())),
		}
		status := gtfsrtpb.VehiclePosition_STOPPED_AT
		if next := lu.Progress.NextStopID; next != nil {
			status = gtfsrtpb.VehiclePosition_IN_TRANSIT_TO
			vp.StopId = proto.String(*next)
			vp.CurrentStopSequence = proto.Uint32(uint32(lu.Progress.ActiveStopIndex + 1))
		}
		vp.CurrentStatus = &status
		feed.Entity = append(feed.Entity, &gtfsrtpb.FeedEntity{
			Id:      proto.String(lu.VehicleID),
			Vehicle: vp,
		})
	}
	return feed
}

// MarshalVehiclePositions encodes the feed in protobuf wire format.
func MarshalVehiclePositions(routes []registry.RouteState, now time.Time) ([]byte, error) {
	return proto.Marshal(VehiclePositions(routes, now))
}
