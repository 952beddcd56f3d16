package profiles

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/cms"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/database/databasetest"
	"github.com/crewmate/crewmate/internal/validate"
)

type recordingAwarder struct {
	actions []string
}

func (a *recordingAwarder) TryAward(_ int64, action, _, _ string) *cms.Delta {
	a.actions = append(a.actions, action)
	return &cms.Delta{Action: action}
}

func newTestService(t *testing.T) (*Service, *database.DB, *clock.Manual, *recordingAwarder) {
	t.Helper()
	db, clk := databasetest.New(t)
	aw := &recordingAwarder{}
	return NewService(db, airports.NewStore(airports.Embedded()), clk, aw), db, clk, aw
}

func decodePatch(t *testing.T, body string) Patch {
	t.Helper()
	var p Patch
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	return p
}

func TestUpdate_PatchSemantics(t *testing.T) {
	s, db, _, aw := newTestService(t)
	u := databasetest.CreateUser(t, db, "alice", nil)

	p, err := s.Update(u.ID, decodePatch(t, `{"airline":"Oceanic","role":"pilot","base_airport":"egll","bio":"hi"}`))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Airline != "Oceanic" || p.Role != RolePilot || p.BaseAirport != "LHR" || p.Bio != "hi" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if len(aw.actions) != 0 {
		t.Fatalf("profile not complete yet, got awards %v", aw.actions)
	}

	p, err = s.Update(u.ID, decodePatch(t, `{"photo_url":"https://img.test/a.jpg"}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Airline != "Oceanic" {
		t.Fatalf("absent field changed: %+v", p)
	}
	if diff := cmp.Diff([]string{cms.ActionProfileCompleted}, aw.actions); diff != "" {
		t.Fatalf("awards (-want +got):\n%s", diff)
	}

	p, err = s.Update(u.ID, decodePatch(t, `{"bio":null,"airline":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Bio != "" || p.Airline != "" || p.Role != RolePilot {
		t.Fatalf("null did not clear: %+v", p)
	}
}

func TestUpdate_Validation(t *testing.T) {
	s, db, _, _ := newTestService(t)
	u := databasetest.CreateUser(t, db, "bob", nil)

	tests := map[string]string{
		"display_name": `{"display_name":null}`,
		"role":         `{"role":"captain"}`,
		"base_airport": `{"base_airport":"ZZZ"}`,
		"photo_url":    `{"photo_url":"ftp://x"}`,
	}
	for field, body := range tests {
		t.Run(field, func(t *testing.T) {
			_, err := s.Update(u.ID, decodePatch(t, body))
			var verr *validate.ValidationError
			if !errors.As(err, &verr) || verr.Field != field {
				t.Fatalf("expected validation error on %s, got %v", field, err)
			}
		})
	}
}

func TestGet_HidesPrivateFieldsAndBlockedUsers(t *testing.T) {
	s, db, _, _ := newTestService(t)
	a := databasetest.CreateUser(t, db, "carol", nil)
	b := databasetest.CreateUser(t, db, "dave", nil)

	self, err := s.Get(a.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if self.Email == "" || self.ReferralCode == "" {
		t.Fatal("owner should see email and referral code")
	}
	other, err := s.Get(b.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if other.Email != "" || other.ReferralCode != "" {
		t.Fatal("others must not see private fields")
	}

	if err := db.Block(a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(b.ID, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for blocked viewer, got %v", err)
	}
}

func TestSetLayover_Validation(t *testing.T) {
	s, db, clk, _ := newTestService(t)
	u := databasetest.CreateUser(t, db, "erin", nil)
	now := clk.Now()

	tests := []struct {
		name           string
		code           string
		arrive, depart time.Time
	}{
		{"unknown airport", "ZZZ", now, now.Add(time.Hour)},
		{"depart before arrive", "LHR", now, now.Add(-time.Hour)},
		{"too long", "LHR", now, now.Add(15 * 24 * time.Hour)},
		{"in the past", "LHR", now.Add(-3 * time.Hour), now.Add(-time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.SetLayover(u.ID, tt.code, tt.arrive, tt.depart); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	l, err := s.SetLayover(u.ID, "lgw", now.Add(-time.Hour), now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if l.AirportCode != "LGW" || l.City != "London" {
		t.Fatalf("unexpected layover %+v", l)
	}
}

func TestCrewInCityAndNearby(t *testing.T) {
	s, db, clk, _ := newTestService(t)
	viewer := databasetest.CreateUser(t, db, "viewer", nil)
	early := databasetest.CreateUser(t, db, "early", nil)
	late := databasetest.CreateUser(t, db, "late", nil)
	paris := databasetest.CreateUser(t, db, "paris", nil)
	now := clk.Now()

	mustLayover := func(u *database.UserRecord, code string, depart time.Duration) {
		t.Helper()
		if _, err := s.SetLayover(u.ID, code, now.Add(-time.Hour), now.Add(depart)); err != nil {
			t.Fatal(err)
		}
	}
	mustLayover(viewer, "LHR", 48*time.Hour)
	mustLayover(late, "LHR", 30*time.Hour)
	mustLayover(early, "STN", 5*time.Hour)
	mustLayover(paris, "CDG", 5*time.Hour)

	crew, err := s.CrewInCity(viewer.ID, "LGW")
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, c := range crew {
		got = append(got, c.User.ID)
	}
	if diff := cmp.Diff([]int64{early.ID, late.ID}, got); diff != "" {
		t.Fatalf("crew in London (-want +got):\n%s", diff)
	}

	near, err := s.CrewNearby(viewer.ID, 51.47, -0.45, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(near) != 2 {
		t.Fatalf("expected 2 nearby crew, got %d", len(near))
	}
	for _, c := range near {
		if c.Layover.AirportCode == "LHR" && (c.DistanceKm == nil || *c.DistanceKm > 1) {
			t.Errorf("LHR layover should carry distance, got %v", c.DistanceKm)
		}
	}

	clk.Add(6 * time.Hour)
	crew, err = s.CrewInCity(viewer.ID, "LHR")
	if err != nil {
		t.Fatal(err)
	}
	if len(crew) != 1 || crew[0].User.ID != late.ID {
		t.Fatalf("departed crew still listed: %+v", crew)
	}
}
