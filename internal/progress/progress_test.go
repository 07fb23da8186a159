package progress

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routecast/internal/geo"
	"routecast/internal/routing"
)

type routerFunc func(ctx context.Context, origin, destination geo.Coordinate) (routing.Estimate, error)

func (f routerFunc) EstimateTravelTime(ctx context.Context, origin, destination geo.Coordinate) (routing.Estimate, error) {
	return f(ctx, origin, destination)
}

func abcStops() []geo.Stop {
	return []geo.Stop{
		{ID: "A", Position: geo.Coordinate{Lat: 0, Lng: 0}, Sequence: 0},
		{ID: "B", Position: geo.Coordinate{Lat: 0, Lng: 0.001}, Sequence: 1},
		{ID: "C", Position: geo.Coordinate{Lat: 1, Lng: 1}, Sequence: 2},
	}
}

func TestAdvanceIndex(t *testing.T) {
	stops := []geo.Stop{
		{ID: "s0", Position: geo.Coordinate{Lat: 0, Lng: 0}},
		{ID: "s1", Position: geo.Coordinate{Lat: 0, Lng: 0.01}},
		{ID: "s2", Position: geo.Coordinate{Lat: 0, Lng: 0.0105}},
		{ID: "s3", Position: geo.Coordinate{Lat: 0, Lng: 0.05}},
	}
	tests := []struct {
		name    string
		current int
		sample  geo.Coordinate
		want    int
	}{
		{"nothing reached yet", -1, geo.Coordinate{Lat: 0.5, Lng: 0.5}, -1},
		{"first stop", -1, geo.Coordinate{Lat: 0, Lng: 0.0001}, 0},
		{"skips to farther of two close stops", 0, geo.Coordinate{Lat: 0, Lng: 0.0104}, 2},
		{"never moves backwards", 2, geo.Coordinate{Lat: 0, Lng: 0}, 2},
		{"far away keeps current", 1, geo.Coordinate{Lat: 10, Lng: 10}, 1},
		{"last stop", 2, geo.Coordinate{Lat: 0, Lng: 0.05}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdvanceIndex(stops, tt.current, tt.sample, 0.2))
		})
	}
}

func TestAdvanceIndexEmptyRoute(t *testing.T) {
	assert.Equal(t, -1, AdvanceIndex(nil, -1, geo.Coordinate{}, 0.2))
}

func TestObserveScenarioNoisySamples(t *testing.T) {
	est := NewEstimator(0.2, time.Minute, time.Second, nil)
	tr := NewTracker()
	tr.Reset(abcStops())

	now := time.Unix(1700000000, 0)
	var got []int
	for _, s := range []geo.Coordinate{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.0005}, {Lat: 0, Lng: 0}} {
		p, req := est.Observe(tr, s, now)
		assert.Nil(t, req)
		got = append(got, p.ActiveStopIndex)
	}
	assert.Equal(t, []int{0, 1, 1}, got)
}

func TestIndexIsMonotonicUnderRandomSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	stops := make([]geo.Stop, 12)
	for i := range stops {
		stops[i] = geo.Stop{ID: string(rune('a' + i)), Position: geo.Coordinate{Lat: 0, Lng: float64(i) * 0.002}}
	}
	est := NewEstimator(0.2, time.Minute, time.Second, nil)

	for round := 0; round < 200; round++ {
		tr := NewTracker()
		tr.Reset(stops)
		prev := tr.Index()
		for i := 0; i < 50; i++ {
			sample := geo.Coordinate{Lat: rng.Float64()*0.004 - 0.002, Lng: rng.Float64()*0.03 - 0.004}
			p, _ := est.Observe(tr, sample, time.Now())
			require.GreaterOrEqual(t, p.ActiveStopIndex, prev)
			require.Less(t, p.ActiveStopIndex, len(stops))
			prev = p.ActiveStopIndex
		}
	}
}

func TestProgressNextStop(t *testing.T) {
	est := NewEstimator(0.2, time.Minute, time.Second, nil)
	tr := NewTracker()
	tr.Reset(abcStops())

	p, _ := est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0}, time.Now())
	require.NotNil(t, p.NextStopID)
	assert.Equal(t, "B", *p.NextStopID)
	require.NotNil(t, p.DistanceToNextKm)
	assert.InDelta(t, 0.111, *p.DistanceToNextKm, 0.001)
	assert.Nil(t, p.ETAMinutes)

	p, _ = est.Observe(tr, geo.Coordinate{Lat: 1, Lng: 1}, time.Now())
	assert.Equal(t, 2, p.ActiveStopIndex)
	assert.Nil(t, p.NextStopID)
	assert.Nil(t, p.DistanceToNextKm)
	assert.Nil(t, p.ETAMinutes)
}

func TestETAThrottleAndCache(t *testing.T) {
	calls := 0
	router := routerFunc(func(ctx context.Context, o, d geo.Coordinate) (routing.Estimate, error) {
		calls++
		return routing.Estimate{DurationSeconds: 300}, nil
	})
	est := NewEstimator(0.2, 30*time.Second, time.Second, router)
	tr := NewTracker()
	tr.Reset(abcStops())
	t0 := time.Unix(1700000000, 0)

	_, req := est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0}, t0)
	require.NotNil(t, req)
	assert.Equal(t, 1, req.StopIndex)

	// in flight: no second request even past the window
	_, again := est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0}, t0.Add(time.Minute))
	assert.Nil(t, again)

	res := est.Resolve(context.Background(), *req)
	require.NoError(t, res.Err)
	assert.True(t, tr.Apply(res))
	assert.Equal(t, 1, calls)

	p, req := est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0}, t0.Add(10*time.Second))
	assert.Nil(t, req, "inside throttle window")
	require.NotNil(t, p.ETAMinutes)
	assert.InDelta(t, 5.0, *p.ETAMinutes, 1e-9)

	_, req = est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0}, t0.Add(31*time.Second))
	assert.NotNil(t, req, "window elapsed")
}

func TestRoutingTimeoutKeepsProgressFlowing(t *testing.T) {
	router := routerFunc(func(ctx context.Context, o, d geo.Coordinate) (routing.Estimate, error) {
		<-ctx.Done()
		return routing.Estimate{}, ctx.Err()
	})
	est := NewEstimator(0.2, 0, 20*time.Millisecond, router)
	tr := NewTracker()
	tr.Reset(abcStops())

	p, req := est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0}, time.Now())
	require.NotNil(t, req)
	assert.Equal(t, 0, p.ActiveStopIndex)
	assert.Nil(t, p.ETAMinutes)

	res := est.Resolve(context.Background(), *req)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	assert.False(t, tr.Apply(res))

	p, _ = est.Observe(tr, geo.Coordinate{Lat: 0, Lng: 0.0005}, time.Now())
	assert.Equal(t, 1, p.ActiveStopIndex)
	assert.Nil(t, p.ETAMinutes)
	assert.NotNil(t, p.DistanceToNextKm)
}

func TestApplyKeepsStaleValueOnFailure(t *testing.T) {
	tr := NewTracker()
	tr.Reset(abcStops())
	tr.index = 0
	tr.inflight = true
	require.True(t, tr.Apply(ETAResult{Epoch: tr.epoch, StopIndex: 1, Minutes: 7}))

	tr.inflight = true
	assert.False(t, tr.Apply(ETAResult{Epoch: tr.epoch, StopIndex: 1, Err: errors.New("boom")}))
	assert.False(t, tr.inflight)

	p := tr.Current(geo.Coordinate{})
	require.NotNil(t, p.ETAMinutes)
	assert.InDelta(t, 7.0, *p.ETAMinutes, 1e-9)
}

func TestApplyDiscardsOutdatedResults(t *testing.T) {
	tr := NewTracker()
	tr.Reset(abcStops())
	oldEpoch := tr.epoch
	tr.Reset(abcStops())

	assert.False(t, tr.Apply(ETAResult{Epoch: oldEpoch, StopIndex: 0, Minutes: 3}), "previous trip")

	tr.index = 1
	assert.False(t, tr.Apply(ETAResult{Epoch: tr.epoch, StopIndex: 1, Minutes: 3}), "stop already reached")
	assert.Nil(t, tr.Current(geo.Coordinate{}).ETAMinutes)
}
