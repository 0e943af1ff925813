package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	vigil "github.com/MooreSA/vigil"
)

// DefaultDirectionsBaseURL is the Google Directions API endpoint.
const DefaultDirectionsBaseURL = "https://maps.googleapis.com/maps/api/directions"

// Route is a single driving route between two places.
type Route struct {
	Summary  string
	Distance string

	// Duration is the nominal travel time; DurationInTraffic is the
	// traffic-aware estimate, zero when the upstream omitted it.
	Duration          time.Duration
	DurationInTraffic time.Duration
}

// TravelTime returns the traffic-aware duration when present, else the
// nominal one.
func (r *Route) TravelTime() time.Duration {
	if r.DurationInTraffic > 0 {
		return r.DurationInTraffic
	}
	return r.Duration
}

// DirectionsClient queries the directions API. At most one of
// departure and arrival may be set; both nil means "leave now".
type DirectionsClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewDirectionsClient creates a client. An empty key disables the
// directions tool and the skills that depend on it.
func NewDirectionsClient(apiKey string) *DirectionsClient {
	return &DirectionsClient{
		apiKey:  apiKey,
		baseURL: DefaultDirectionsBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint. Test use only.
func (c *DirectionsClient) SetBaseURL(u string) { c.baseURL = u }

// Configured reports whether an API key is present.
func (c *DirectionsClient) Configured() bool { return c.apiKey != "" }

type directionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		Summary string `json:"summary"`
		Legs    []struct {
			Distance struct {
				Text string `json:"text"`
			} `json:"distance"`
			Duration struct {
				Value int64 `json:"value"`
			} `json:"duration"`
			DurationInTraffic *struct {
				Value int64 `json:"value"`
			} `json:"duration_in_traffic"`
		} `json:"legs"`
	} `json:"routes"`
}

// Route fetches the best driving route from origin to destination.
func (c *DirectionsClient) Route(ctx context.Context, origin, destination string, departure, arrival *time.Time) (*Route, error) {
	if !c.Configured() {
		return nil, vigil.Validationf("directions API is not configured")
	}
	if departure != nil && arrival != nil {
		return nil, vigil.Validationf("set departure_time or arrival_time, not both")
	}

	q := url.Values{}
	q.Set("origin", origin)
	q.Set("destination", destination)
	q.Set("mode", "driving")
	q.Set("key", c.apiKey)
	switch {
	case arrival != nil:
		q.Set("arrival_time", strconv.FormatInt(arrival.Unix(), 10))
	case departure != nil:
		q.Set("departure_time", strconv.FormatInt(departure.Unix(), 10))
	default:
		q.Set("departure_time", "now")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/json?"+q.Encode(), nil)
	if err != nil {
		return nil, vigil.Upstreamf(err, "build directions request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, vigil.Upstreamf(err, "directions request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vigil.Upstreamf(err, "read directions response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, vigil.Upstreamf(nil, "directions API error %d: %s", resp.StatusCode, body)
	}

	var dr directionsResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, vigil.Upstreamf(err, "decode directions response")
	}
	if dr.Status != "OK" {
		msg := dr.Status
		if dr.ErrorMessage != "" {
			msg = fmt.Sprintf("%s: %s", dr.Status, dr.ErrorMessage)
		}
		return nil, vigil.Upstreamf(nil, "directions API status %s", msg)
	}
	if len(dr.Routes) == 0 || len(dr.Routes[0].Legs) == 0 {
		return nil, vigil.Upstreamf(nil, "directions API returned no routes")
	}

	leg := dr.Routes[0].Legs[0]
	route := &Route{
		Summary:  dr.Routes[0].Summary,
		Distance: leg.Distance.Text,
		Duration: time.Duration(leg.Duration.Value) * time.Second,
	}
	if leg.DurationInTraffic != nil {
		route.DurationInTraffic = time.Duration(leg.DurationInTraffic.Value) * time.Second
	}
	return route, nil
}
