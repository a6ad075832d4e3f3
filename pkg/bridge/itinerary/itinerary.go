// Package itinerary defines the trip plan produced for plan_trip calls and the
// generators that build one from a language model.
package itinerary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	MinDays = 1
	MaxDays = 14
)

var (
	// ErrInvalidRequest reports a city or day count the generator refuses.
	ErrInvalidRequest = errors.New("invalid itinerary request")
	// ErrGeneration reports a model call that failed or returned unusable output.
	ErrGeneration = errors.New("itinerary generation failed")
)

type Stop struct {
	Name      string   `json:"name"`
	Address   string   `json:"address,omitempty"`
	PlaceType string   `json:"placeType,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
}

// HasCoordinates reports whether both lat and lng are set.
func (s Stop) HasCoordinates() bool { return s.Lat != nil && s.Lng != nil }

type Day struct {
	Day   int    `json:"day"`
	Stops []Stop `json:"stops"`
}

type Itinerary struct {
	City string `json:"city,omitempty"`
	Days []Day  `json:"days"`
}

// Generator builds an itinerary for a city and number of days.
type Generator interface {
	Generate(ctx context.Context, city string, days int) (*Itinerary, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, city string, days int) (*Itinerary, error)

func (f GeneratorFunc) Generate(ctx context.Context, city string, days int) (*Itinerary, error) {
	return f(ctx, city, days)
}

// ValidateRequest checks generator inputs.
func ValidateRequest(city string, days int) error {
	if strings.TrimSpace(city) == "" {
		return fmt.Errorf("%w: city is required", ErrInvalidRequest)
	}
	if days < MinDays || days > MaxDays {
		return fmt.Errorf("%w: days must be between %d and %d", ErrInvalidRequest, MinDays, MaxDays)
	}
	return nil
}

// Validate checks that a generated itinerary has the requested number of
// days and that every day has at least one named stop.
func (it *Itinerary) Validate(days int) error {
	if it == nil || len(it.Days) == 0 {
		return fmt.Errorf("%w: itinerary has no days", ErrGeneration)
	}
	if days > 0 && len(it.Days) != days {
		return fmt.Errorf("%w: got %d days, want %d", ErrGeneration, len(it.Days), days)
	}
	for i, d := range it.Days {
		if len(d.Stops) == 0 {
			return fmt.Errorf("%w: day %d has no stops", ErrGeneration, i+1)
		}
		for j, s := range d.Stops {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("%w: day %d stop %d has no name", ErrGeneration, i+1, j+1)
			}
		}
	}
	return nil
}

// Normalize renumbers days sequentially from 1 and trims stop names.
func (it *Itinerary) Normalize() {
	if it == nil {
		return
	}
	for i := range it.Days {
		it.Days[i].Day = i + 1
		for j := range it.Days[i].Stops {
			it.Days[i].Stops[j].Name = strings.TrimSpace(it.Days[i].Stops[j].Name)
		}
	}
}

// StopNames returns the stop names of one day, in order.
func (d Day) StopNames() []string {
	names := make([]string, 0, len(d.Stops))
	for _, s := range d.Stops {
		names = append(names, s.Name)
	}
	return names
}

// Clone returns a deep copy.
func (it *Itinerary) Clone() *Itinerary {
	if it == nil {
		return nil
	}
	out := &Itinerary{City: it.City, Days: make([]Day, len(it.Days))}
	for i, d := range it.Days {
		out.Days[i] = Day{Day: d.Day, Stops: make([]Stop, len(d.Stops))}
		for j, s := range d.Stops {
			cp := s
			if s.Lat != nil {
				v := *s.Lat
				cp.Lat = &v
			}
			if s.Lng != nil {
				v := *s.Lng
				cp.Lng = &v
			}
			out.Days[i].Stops[j] = cp
		}
	}
	return out
}

func buildPrompt(city string, days int) string {
	return fmt.Sprintf(
		"You are a helpful travel planner. Create a %d-day itinerary for %s. "+
			"Reply in strict JSON with the schema: "+
			`{"days": [{"day": <int>, "stops": [{"name": <str>, "address": <str|null>, "placeType": <str|null>, "lat": null, "lng": null}]}]}`+
			" Use 3 to 5 stops per day, ordered to minimise travel.",
		days, city)
}

// parseModelOutput decodes a model reply. Markdown code fences are stripped
// since some models wrap JSON even in JSON mode.
func parseModelOutput(raw string) (*Itinerary, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty model response", ErrGeneration)
	}

	var out Itinerary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: decode model response: %v", ErrGeneration, err)
	}
	return &out, nil
}

// finish validates, normalizes and stamps a freshly decoded itinerary.
func finish(it *Itinerary, city string, days int) (*Itinerary, error) {
	if err := it.Validate(days); err != nil {
		return nil, err
	}
	it.Normalize()
	it.City = city
	return it, nil
}
