// Package geo wraps forward and reverse geocoding. Geocoding is best
// effort everywhere it is used: failures leave coordinates unset and the
// dialogue carries on with raw place names.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the geocoder has no result for a query.
var ErrNotFound = errors.New("geo: no result")

// Point is a geocoded coordinate pair.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Geocoder resolves place names to coordinates and back. A bias point,
// when non-nil, anchors ambiguous forward lookups near the user.
type Geocoder interface {
	Geocode(ctx context.Context, name string, bias *Point) (Point, string, error)
	ReverseGeocode(ctx context.Context, p Point) (string, error)
}

const defaultEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

// Client is a Google-style geocoding API client.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewClient(apiKey, endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

func (c *Client) query(ctx context.Context, params url.Values) (*apiResponse, error) {
	params.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoding API returned status %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse geocoding response: %w", err)
	}
	if out.Status == "ZERO_RESULTS" || len(out.Results) == 0 {
		return nil, ErrNotFound
	}
	if out.Status != "OK" {
		return nil, fmt.Errorf("geocoding API status %s", out.Status)
	}
	return &out, nil
}

// Geocode resolves a place name to a point and a canonical address.
func (c *Client) Geocode(ctx context.Context, name string, bias *Point) (Point, string, error) {
	name = CleanLocationString(name)
	if name == "" {
		return Point{}, "", ErrNotFound
	}
	params := url.Values{}
	params.Set("address", name)
	if bias != nil {
		// 50km bounding box around the bias point nudges ambiguous
		// names toward the user's area.
		params.Set("bounds", fmt.Sprintf("%f,%f|%f,%f",
			bias.Latitude-0.5, bias.Longitude-0.5,
			bias.Latitude+0.5, bias.Longitude+0.5))
	}
	out, err := c.query(ctx, params)
	if err != nil {
		return Point{}, "", err
	}
	r := out.Results[0]
	return Point{Latitude: r.Geometry.Location.Lat, Longitude: r.Geometry.Location.Lng},
		r.FormattedAddress, nil
}

// ReverseGeocode resolves a point to a human-readable address.
func (c *Client) ReverseGeocode(ctx context.Context, p Point) (string, error) {
	params := url.Values{}
	params.Set("latlng", fmt.Sprintf("%f,%f", p.Latitude, p.Longitude))
	out, err := c.query(ctx, params)
	if err != nil {
		return "", err
	}
	return out.Results[0].FormattedAddress, nil
}

// Nop is the geocoder used when no API key is configured. Every lookup
// misses, so place names pass through unresolved.
type Nop struct{}

func (Nop) Geocode(context.Context, string, *Point) (Point, string, error) {
	return Point{}, "", ErrNotFound
}

func (Nop) ReverseGeocode(context.Context, Point) (string, error) {
	return "", ErrNotFound
}

// CleanLocationString collapses consecutive duplicate comma-separated
// parts ("Austin, Austin, TX" becomes "Austin, TX").
func CleanLocationString(s string) string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n := len(out); n > 0 && strings.EqualFold(out[n-1], p) {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ", ")
}
