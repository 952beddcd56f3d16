package airports

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func codes[T any](items []T, code func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = code(it)
	}
	return out
}

func TestEmbedded_Lookup(t *testing.T) {
	tbl := Embedded()

	tests := []struct {
		code string
		want string
		ok   bool
	}{
		{"LHR", "LHR", true},
		{"lhr", "LHR", true},
		{" egll ", "LHR", true},
		{"KJFK", "JFK", true},
		{"XXX", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		a, ok := tbl.Lookup(tt.code)
		if ok != tt.ok || a.IATA != tt.want {
			t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.code, a.IATA, ok, tt.want, tt.ok)
		}
	}
}

func TestSearch(t *testing.T) {
	tbl := Embedded()

	got := codes(tbl.Search("lon", 10), func(a Airport) string { return a.IATA })
	if diff := cmp.Diff([]string{"LGW", "LHR", "STN"}, got); diff != "" {
		t.Errorf("Search(lon) (-want +got):\n%s", diff)
	}

	got = codes(tbl.Search("DAL", 10), func(a Airport) string { return a.IATA })
	if len(got) < 2 || got[0] != "DAL" {
		t.Errorf("exact code should come first, got %v", got)
	}

	if got := tbl.Search("", 10); len(got) != 0 {
		t.Errorf("empty query returned %d results", len(got))
	}
	if got := tbl.Search("a", 3); len(got) != 3 {
		t.Errorf("limit not applied, got %d", len(got))
	}
}

func TestHaversine(t *testing.T) {
	// LHR to JFK is about 5540 km.
	d := Haversine(51.4700, -0.4543, 40.6413, -73.7781)
	if math.Abs(d-5540) > 20 {
		t.Errorf("LHR-JFK = %.0f km", d)
	}
	if d := Haversine(10, 10, 10, 10); d != 0 {
		t.Errorf("same point = %f", d)
	}
}

func TestNearestAndWithinRadius(t *testing.T) {
	tbl := Embedded()

	// Trafalgar Square.
	n, err := tbl.Nearest(51.508, -0.128)
	if err != nil {
		t.Fatal(err)
	}
	if n.IATA != "LHR" {
		t.Errorf("nearest = %s", n.IATA)
	}

	within, err := tbl.WithinRadius(51.508, -0.128, 60)
	if err != nil {
		t.Fatal(err)
	}
	got := codes(within, func(d Distance) string { return d.IATA })
	if diff := cmp.Diff([]string{"LGW", "LHR", "STN"}, slices.Sorted(slices.Values(got))); diff != "" {
		t.Errorf("within 60km (-want +got):\n%s", diff)
	}
	for i := 1; i < len(within); i++ {
		if within[i].DistanceKm < within[i-1].DistanceKm {
			t.Fatalf("results not sorted by distance: %v", within)
		}
	}

	if _, err := tbl.Nearest(91, 0); err == nil {
		t.Error("expected latitude error")
	}
	if _, err := tbl.WithinRadius(0, 181, 10); err == nil {
		t.Error("expected longitude error")
	}
}

func TestCityAirports(t *testing.T) {
	got := slices.Sorted(slices.Values(Embedded().CityAirports("new york")))
	if diff := cmp.Diff([]string{"JFK", "LGA"}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":     "[]",
		"bad code":  "- {iata: LONDON, city: London, lat: 1, lon: 1}",
		"no city":   "- {iata: AAA, lat: 1, lon: 1}",
		"bad lat":   "- {iata: AAA, city: A, lat: 95, lon: 1}",
		"duplicate": "- {iata: AAA, city: A, lat: 1, lon: 1}\n- {iata: aaa, city: B, lat: 1, lon: 1}",
		"not yaml":  "{{",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWatcher_ReloadsAndKeepsPreviousOnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "airports.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("- {iata: AAA, city: Alpha, lat: 1, lon: 1}")

	store := NewStore(Embedded())
	w, err := NewWatcher(store, path, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan error, 10)
	w.OnReload = func(err error) { reloaded <- err }
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if _, ok := store.Lookup("AAA"); !ok {
		t.Fatal("initial override not loaded")
	}

	write("- {iata: BBB, city: Beta, lat: 2, lon: 2}")
	waitReload(t, reloaded, false)
	if _, ok := store.Lookup("BBB"); !ok {
		t.Fatal("changed file not loaded")
	}

	write("not: [valid")
	waitReload(t, reloaded, true)
	if _, ok := store.Lookup("BBB"); !ok {
		t.Fatal("bad file replaced the table")
	}
}

func waitReload(t *testing.T, ch <-chan error, wantErr bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-ch:
			if (err != nil) == wantErr {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reload (wantErr=%v)", wantErr)
		}
	}
}
