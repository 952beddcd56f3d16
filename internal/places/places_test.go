package places

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/database/databasetest"
)

type fakeFinder struct {
	photos  map[string]string
	fail    map[string]bool
	queries []string
}

func (f *fakeFinder) FindPhoto(_ context.Context, q string) (string, error) {
	f.queries = append(f.queries, q)
	if f.fail[q] {
		return "", errors.New("quota exceeded")
	}
	return f.photos[q], nil
}

func seedSpots(t *testing.T, db *database.DB) []*database.Spot {
	t.Helper()
	spots := []*database.Spot{
		{Name: "Borough Market", Category: "restaurant", AirportCode: "LHR", City: "London", Status: database.SpotStatusApproved},
		{Name: "Sky Garden", Category: "park", AirportCode: "LHR", City: "London", Status: database.SpotStatusApproved},
		{Name: "Mystery Bar", Category: "nightlife", AirportCode: "JFK", City: "New York", Status: database.SpotStatusApproved},
		{Name: "Has Photo", Category: "restaurant", AirportCode: "JFK", City: "New York", Status: database.SpotStatusApproved, PhotoURL: "https://x/y.jpg"},
		{Name: "Pending", Category: "restaurant", AirportCode: "JFK", City: "New York"},
	}
	for _, s := range spots {
		if err := db.CreateSpot(s); err != nil {
			t.Fatal(err)
		}
	}
	return spots
}

func TestBackfill(t *testing.T) {
	db, _ := databasetest.New(t)
	spots := seedSpots(t, db)
	finder := &fakeFinder{
		photos: map[string]string{"Borough Market, London": "https://photos/borough.jpg"},
		fail:   map[string]bool{"Sky Garden, London": true},
	}

	res, err := NewBackfiller(db, finder).Backfill(context.Background(), 0, false)
	if err != nil {
		t.Fatal(err)
	}

	want := &Result{
		Checked: 3, Updated: 1, NotFound: 1, Failed: 1,
		Updates: []Update{{SpotID: spots[0].ID, Name: "Borough Market", PhotoURL: "https://photos/borough.jpg"}},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Borough Market, London", "Sky Garden, London", "Mystery Bar, New York"}, finder.queries); diff != "" {
		t.Fatalf("queries (-want +got):\n%s", diff)
	}
	got, _ := db.GetSpot(spots[0].ID)
	if got.PhotoURL != "https://photos/borough.jpg" {
		t.Fatalf("photo not stored: %q", got.PhotoURL)
	}
}

func TestBackfill_DryRunLeavesSpots(t *testing.T) {
	db, _ := databasetest.New(t)
	spots := seedSpots(t, db)
	finder := &fakeFinder{photos: map[string]string{"Borough Market, London": "https://photos/borough.jpg"}}

	res, err := NewBackfiller(db, finder).Backfill(context.Background(), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 1 || res.Updated != 1 || !res.DryRun {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := db.GetSpot(spots[0].ID)
	if got.PhotoURL != "" {
		t.Fatalf("dry run stored photo %q", got.PhotoURL)
	}
}

func TestBackfill_Cancelled(t *testing.T) {
	db, _ := databasetest.New(t)
	seedSpots(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewBackfiller(db, &fakeFinder{}).Backfill(ctx, 10, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
