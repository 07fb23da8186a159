package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"routecast/internal/geo"
)

var ErrNoRoute = errors.New("routing: no route between points")

// Estimate is the travel cost between two points as reported by the router.
type Estimate struct {
	DurationSeconds float64
	DistanceMeters  float64
}

func (e Estimate) Minutes() float64 { return e.DurationSeconds / 60 }

// Client talks to an OSRM compatible /route service.
type Client struct {
	baseURL    string
	profile    string
	httpClient *http.Client
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		profile:    "driving",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// EstimateTravelTime asks the router for the fastest route from origin to
// destination. OSRM expects lon,lat ordering.
func (c *Client) EstimateTravelTime(ctx context.Context, origin, destination geo.Coordinate) (Estimate, error) {
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		c.baseURL, c.profile, origin.Lng, origin.Lat, destination.Lng, destination.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Estimate{}, fmt.Errorf("build routing request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Estimate{}, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Estimate{}, fmt.Errorf("decode routing response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || body.Code != "Ok" {
		if body.Code == "NoRoute" {
			return Estimate{}, ErrNoRoute
		}
		return Estimate{}, fmt.Errorf("routing status %d code=%s: %s", resp.StatusCode, body.Code, body.Message)
	}
	if len(body.Routes) == 0 {
		return Estimate{}, ErrNoRoute
	}
	return Estimate{
		DurationSeconds: body.Routes[0].Duration,
		DistanceMeters:  body.Routes[0].Distance,
	}, nil
}
