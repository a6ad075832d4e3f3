package geocode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
)

func fakeGoogle(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/maps/api/geocode/json" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("key") != "maps-key" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key","results":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("address") {
		case "Eiffel Tower, Paris":
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"geometry":{"location":{"lat":48.8584,"lng":2.2945}}}]}`))
		default:
			_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
		}
	}))
}

func TestGoogleResolver_Resolve(t *testing.T) {
	t.Parallel()

	srv := fakeGoogle(t)
	defer srv.Close()

	r := NewGoogleResolver("maps-key", srv.URL, time.Second)
	lat, lng, err := r.Resolve(context.Background(), "Eiffel Tower", "Paris")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if lat != 48.8584 || lng != 2.2945 {
		t.Fatalf("coords=(%v,%v)", lat, lng)
	}

	if _, _, err := r.Resolve(context.Background(), "Nowhere", "Paris"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}

	bad := NewGoogleResolver("wrong", srv.URL, time.Second)
	if _, _, err := bad.Resolve(context.Background(), "Eiffel Tower", "Paris"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want api status error", err)
	}
}

type mapResolver map[string][2]float64

func (m mapResolver) Resolve(ctx context.Context, name, city string) (float64, float64, error) {
	c, ok := m[name]
	if !ok {
		return 0, 0, ErrNotFound
	}
	return c[0], c[1], nil
}

func TestEnrich_FillsMissingCoordinates(t *testing.T) {
	t.Parallel()

	preset := 1.0
	it := &itinerary.Itinerary{City: "Paris", Days: []itinerary.Day{{Day: 1, Stops: []itinerary.Stop{
		{Name: "Louvre"},
		{Name: "Unknown café"},
		{Name: "Already", Lat: &preset, Lng: &preset},
	}}}}

	n := Enrich(context.Background(), mapResolver{"Louvre": {48.86, 2.33}}, it, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if n != 1 {
		t.Fatalf("resolved=%d, want 1", n)
	}
	stops := it.Days[0].Stops
	if !stops[0].HasCoordinates() || *stops[0].Lat != 48.86 {
		t.Fatalf("louvre not enriched: %+v", stops[0])
	}
	if stops[1].HasCoordinates() {
		t.Fatalf("unknown place should stay without coordinates")
	}
	if *stops[2].Lat != 1.0 {
		t.Fatalf("existing coordinates overwritten")
	}
}

func TestGenerator_WrapsNext(t *testing.T) {
	t.Parallel()

	next := itinerary.GeneratorFunc(func(ctx context.Context, city string, days int) (*itinerary.Itinerary, error) {
		return &itinerary.Itinerary{City: city, Days: []itinerary.Day{{Day: 1, Stops: []itinerary.Stop{{Name: "Louvre"}}}}}, nil
	})
	g := Generator{Next: next, Resolver: mapResolver{"Louvre": {1, 2}}}

	it, err := g.Generate(context.Background(), "Paris", 1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !it.Days[0].Stops[0].HasCoordinates() {
		t.Fatalf("expected coordinates from resolver")
	}
}
