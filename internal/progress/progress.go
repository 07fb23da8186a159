package progress

import (
	"context"
	"time"

	"routecast/internal/geo"
	"routecast/internal/routing"
)

const (
	DefaultThresholdKm = 0.2
	DefaultThrottle    = 30 * time.Second
	DefaultTimeout     = 5 * time.Second
)

// Router estimates travel time between two points.
type Router interface {
	EstimateTravelTime(ctx context.Context, origin, destination geo.Coordinate) (routing.Estimate, error)
}

// Progress is the trip state derived from the latest sample. Pointer fields
// are nil when there is no next stop or no value was ever computed.
type Progress struct {
	ActiveStopIndex  int      `json:"activeStopIndex"`
	NextStopID       *string  `json:"nextStopId"`
	DistanceToNextKm *float64 `json:"distanceToNextKm"`
	ETAMinutes       *float64 `json:"etaMinutes"`
}

// tieKm treats two stop distances as equal.
const tieKm = 1e-9

// AdvanceIndex returns the index of the stop the sample has reached, never
// going below current. Among stops closer than thresholdKm the nearest one
// wins, and on a tie the later stop wins, so a sample between two close
// stops jumps straight to the farther one.
func AdvanceIndex(stops []geo.Stop, current int, sample geo.Coordinate, thresholdKm float64) int {
	reached := -1
	bestKm := thresholdKm
	for i, s := range stops {
		d := geo.DistanceKm(sample, s.Position)
		if d >= thresholdKm {
			continue
		}
		if reached == -1 || d <= bestKm+tieKm {
			reached, bestKm = i, d
		}
	}
	return max(current, reached)
}

// ETARequest asks for travel time from the vehicle to the next stop. It is
// produced by Observe and answered off the session goroutine.
type ETARequest struct {
	Epoch       uint64
	StopIndex   int
	Origin      geo.Coordinate
	Destination geo.Coordinate
}

type ETAResult struct {
	Epoch     uint64
	StopIndex int
	Minutes   float64
	Err       error
}

type Estimator struct {
	ThresholdKm float64
	Throttle    time.Duration
	Timeout     time.Duration
	Router      Router
}

func NewEstimator(thresholdKm float64, throttle, timeout time.Duration, router Router) *Estimator {
	if thresholdKm <= 0 {
		thresholdKm = DefaultThresholdKm
	}
	if throttle < 0 {
		throttle = DefaultThrottle
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Estimator{ThresholdKm: thresholdKm, Throttle: throttle, Timeout: timeout, Router: router}
}

// Observe folds sample into t and returns the resulting progress. When the
// throttle window allows a fresh ETA, a request is returned as well; the
// caller resolves it and hands the result to Tracker.Apply.
func (e *Estimator) Observe(t *Tracker, sample geo.Coordinate, now time.Time) (Progress, *ETARequest) {
	t.index = AdvanceIndex(t.stops, t.index, sample, e.ThresholdKm)
	p := t.snapshot(sample)

	next := t.index + 1
	if e.Router == nil || next >= len(t.stops) || t.inflight {
		return p, nil
	}
	if !t.lastETAAt.IsZero() && now.Sub(t.lastETAAt) < e.Throttle {
		return p, nil
	}
	t.inflight = true
	t.lastETAAt = now
	return p, &ETARequest{
		Epoch:       t.epoch,
		StopIndex:   next,
		Origin:      sample,
		Destination: t.stops[next].Position,
	}
}

// Resolve calls the router under the estimator timeout. Errors are carried
// in the result, never returned.
func (e *Estimator) Resolve(ctx context.Context, req ETARequest) ETAResult {
	res := ETAResult{Epoch: req.Epoch, StopIndex: req.StopIndex}
	if e.Router == nil {
		res.Err = context.Canceled
		return res
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	est, err := e.Router.EstimateTravelTime(ctx, req.Origin, req.Destination)
	if err != nil {
		res.Err = err
		return res
	}
	res.Minutes = est.Minutes()
	return res
}

// Tracker is the per-session progress state. It is not safe for concurrent
// use; the owning session goroutine serializes access.
type Tracker struct {
	stops     []geo.Stop
	index     int
	epoch     uint64
	eta       *float64
	lastETAAt time.Time
	inflight  bool
}

func NewTracker() *Tracker { return &Tracker{index: -1} }

// Reset starts a new trip over stops. Results of requests issued before the
// reset are ignored by Apply.
func (t *Tracker) Reset(stops []geo.Stop) {
	t.stops = stops
	t.index = -1
	t.epoch++
	t.eta = nil
	t.lastETAAt = time.Time{}
	t.inflight = false
}

func (t *Tracker) Index() int { return t.index }

func (t *Tracker) Stops() []geo.Stop { return t.stops }

// Apply stores an ETA result. It reports whether the cached ETA changed.
// Failures leave the previous value in place.
func (t *Tracker) Apply(res ETAResult) bool {
	if res.Epoch != t.epoch {
		return false
	}
	t.inflight = false
	if res.Err != nil || res.StopIndex != t.index+1 {
		return false
	}
	m := res.Minutes
	t.eta = &m
	return true
}

// Current returns progress relative to the last known position.
func (t *Tracker) Current(at geo.Coordinate) Progress { return t.snapshot(at) }

func (t *Tracker) snapshot(at geo.Coordinate) Progress {
	p := Progress{ActiveStopIndex: t.index}
	next := t.index + 1
	if next >= len(t.stops) {
		return p
	}
	id := t.stops[next].ID
	d := geo.DistanceKm(at, t.stops[next].Position)
	p.NextStopID = &id
	p.DistanceToNextKm = &d
	if t.eta != nil {
		m := *t.eta
		p.ETAMinutes = &m
	}
	return p
}
