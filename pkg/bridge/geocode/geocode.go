// Package geocode resolves place names to coordinates and fills them into
// generated itineraries.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
)

// ErrNotFound is returned when the lookup has no match.
var ErrNotFound = errors.New("place not found")

const DefaultGoogleBaseURL = "https://maps.googleapis.com"

// Resolver maps a place name to coordinates. contextCity narrows ambiguous names.
type Resolver interface {
	Resolve(ctx context.Context, name, contextCity string) (lat, lng float64, err error)
}

// GoogleResolver calls the Google Geocoding API.
type GoogleResolver struct {
	http   *resty.Client
	apiKey string
}

func NewGoogleResolver(apiKey, baseURL string, timeout time.Duration) *GoogleResolver {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultGoogleBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GoogleResolver{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("User-Agent", "voice-bridge/1.0").
			SetTimeout(timeout),
		apiKey: apiKey,
	}
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

func (g *GoogleResolver) Resolve(ctx context.Context, name, contextCity string) (float64, float64, error) {
	query := strings.TrimSpace(name)
	if query == "" {
		return 0, 0, ErrNotFound
	}
	if city := strings.TrimSpace(contextCity); city != "" && !strings.Contains(strings.ToLower(query), strings.ToLower(city)) {
		query += ", " + city
	}

	var result geocodeResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("address", query).
		SetQueryParam("language", "en").
		SetQueryParam("key", g.apiKey).
		SetResult(&result).
		Get("/maps/api/geocode/json")
	if err != nil {
		return 0, 0, fmt.Errorf("geocode request: %w", err)
	}
	if resp.IsError() {
		return 0, 0, fmt.Errorf("geocode api error (status %d): %s", resp.StatusCode(), resp.String())
	}

	switch result.Status {
	case "OK":
	case "ZERO_RESULTS":
		return 0, 0, ErrNotFound
	default:
		return 0, 0, fmt.Errorf("geocode api status %s: %s", result.Status, result.ErrorMessage)
	}
	if len(result.Results) == 0 {
		return 0, 0, ErrNotFound
	}
	loc := result.Results[0].Geometry.Location
	return loc.Lat, loc.Lng, nil
}

// Enrich fills coordinates for stops that lack them. Lookup failures are
// logged and skipped; the itinerary is still usable without a pin.
func Enrich(ctx context.Context, r Resolver, it *itinerary.Itinerary, logger *slog.Logger) int {
	if r == nil || it == nil {
		return 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	resolved := 0
	for i := range it.Days {
		for j := range it.Days[i].Stops {
			stop := &it.Days[i].Stops[j]
			if stop.HasCoordinates() {
				continue
			}
			if ctx.Err() != nil {
				return resolved
			}
			query := stop.Name
			if stop.Address != "" {
				query = stop.Address
			}
			lat, lng, err := r.Resolve(ctx, query, it.City)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					logger.Warn("geocode lookup failed", "place", stop.Name, "error", err)
				}
				continue
			}
			stop.Lat, stop.Lng = &lat, &lng
			resolved++
		}
	}
	return resolved
}

// Generator wraps an itinerary generator and geocodes its output.
type Generator struct {
	Next     itinerary.Generator
	Resolver Resolver
	Logger   *slog.Logger
}

func (g Generator) Generate(ctx context.Context, city string, days int) (*itinerary.Itinerary, error) {
	it, err := g.Next.Generate(ctx, city, days)
	if err != nil {
		return nil, err
	}
	Enrich(ctx, g.Resolver, it, g.Logger)
	return it, nil
}
