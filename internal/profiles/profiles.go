// Package profiles manages crew profiles and layovers.
package profiles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oapi-codegen/nullable"
	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/cms"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/validate"
)

// Crew roles
const (
	RolePilot           = "pilot"
	RoleFlightAttendant = "flight_attendant"
	RoleOther           = "other"
)

// MaxLayover is the longest layover a user can declare.
const MaxLayover = 14 * 24 * time.Hour

var ErrNotFound = errors.New("user not found")

// Awarder credits CMS actions.
type Awarder interface {
	TryAward(userID int64, action, refKey, city string) *cms.Delta
}

// Profile is a user's profile. Email and ReferralCode are only set for the owner.
type Profile struct {
	ID            int64             `json:"id"`
	DisplayName   string            `json:"display_name"`
	Airline       string            `json:"airline,omitempty"`
	Role          string            `json:"role,omitempty"`
	BaseAirport   string            `json:"base_airport,omitempty"`
	Bio           string            `json:"bio,omitempty"`
	PhotoURL      string            `json:"photo_url,omitempty"`
	CMSPoints     int               `json:"cms_points"`
	CMSLevel      int               `json:"cms_level"`
	EmailVerified bool              `json:"email_verified"`
	IsAdmin       bool              `json:"is_admin,omitempty"`
	Email         string            `json:"email,omitempty"`
	ReferralCode  string            `json:"referral_code,omitempty"`
	Layover       *database.Layover `json:"layover,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Patch holds profile changes. Unspecified fields are left alone and null
// clears optional fields.
type Patch struct {
	DisplayName nullable.Nullable[string] `json:"display_name"`
	Airline     nullable.Nullable[string] `json:"airline"`
	Role        nullable.Nullable[string] `json:"role"`
	BaseAirport nullable.Nullable[string] `json:"base_airport"`
	Bio         nullable.Nullable[string] `json:"bio"`
	PhotoURL    nullable.Nullable[string] `json:"photo_url"`
}

// CrewMember is another user currently on layover.
type CrewMember struct {
	User       database.UserSummary `json:"user"`
	Layover    database.Layover     `json:"layover"`
	DistanceKm *float64             `json:"distance_km,omitempty"`
}

// Service manages profiles and layovers.
type Service struct {
	db       *database.DB
	airports *airports.Store
	clock    clock.Clock
	awarder  Awarder
}

// NewService creates a profile service. awarder may be nil.
func NewService(db *database.DB, ap *airports.Store, clk clock.Clock, awarder Awarder) *Service {
	return &Service{db: db, airports: ap, clock: clk, awarder: awarder}
}

// Get returns the profile of id as seen by viewer. Users blocked in either
// direction are reported as not found.
func (s *Service) Get(viewerID, id int64) (*Profile, error) {
	u, err := s.db.GetUserByID(id)
	if err != nil {
		return nil, err
	}
	if u == nil || (u.Banned && viewerID != id) {
		return nil, ErrNotFound
	}
	if viewerID != id {
		blocked, err := s.db.IsBlockedEither(viewerID, id)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, ErrNotFound
		}
	}

	p := toProfile(u, viewerID == id)
	layover, err := s.db.GetLayover(id)
	if err != nil {
		return nil, err
	}
	if layover != nil && layover.DepartAt.After(s.clock.Now()) {
		p.Layover = layover
	}
	return p, nil
}

func toProfile(u *database.UserRecord, self bool) *Profile {
	p := &Profile{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		Airline:       u.Airline,
		Role:          u.Role,
		BaseAirport:   u.BaseAirport,
		Bio:           u.Bio,
		PhotoURL:      u.PhotoURL,
		CMSPoints:     u.CMSPoints,
		CMSLevel:      u.CMSLevel,
		EmailVerified: u.EmailVerified(),
		IsAdmin:       u.IsAdmin,
		CreatedAt:     u.CreatedAt,
	}
	if self {
		p.Email = u.Email
		p.ReferralCode = u.ReferralCode
	}
	return p
}

// Update applies patch to the user's profile.
func (s *Service) Update(userID int64, patch Patch) (*Profile, error) {
	u, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}

	if patch.DisplayName.IsSpecified() {
		if patch.DisplayName.IsNull() {
			return nil, validate.Errorf("display_name", "cannot be cleared")
		}
		v, _ := patch.DisplayName.Get()
		if u.DisplayName, err = validate.Length("display_name", v, 2, 40); err != nil {
			return nil, err
		}
	}
	if u.Airline, err = applyText(patch.Airline, u.Airline, "airline", 60); err != nil {
		return nil, err
	}
	if u.Bio, err = applyText(patch.Bio, u.Bio, "bio", 300); err != nil {
		return nil, err
	}
	if u.PhotoURL, err = applyText(patch.PhotoURL, u.PhotoURL, "photo_url", 500); err != nil {
		return nil, err
	}
	if u.PhotoURL != "" && !strings.HasPrefix(u.PhotoURL, "https://") && !strings.HasPrefix(u.PhotoURL, "/media/") {
		return nil, validate.Errorf("photo_url", "must be an https URL")
	}
	if u.Role, err = applyText(patch.Role, u.Role, "role", 40); err != nil {
		return nil, err
	}
	if u.Role != "" {
		if err := validate.OneOf("role", u.Role, RolePilot, RoleFlightAttendant, RoleOther); err != nil {
			return nil, err
		}
	}
	if patch.BaseAirport.IsSpecified() {
		u.BaseAirport = ""
		if !patch.BaseAirport.IsNull() {
			code, _ := patch.BaseAirport.Get()
			a, ok := s.airports.Lookup(code)
			if !ok {
				return nil, validate.Errorf("base_airport", "unknown airport %q", code)
			}
			u.BaseAirport = a.IATA
		}
	}

	if err := s.db.UpdateUserProfile(u); err != nil {
		return nil, err
	}
	log.Debug().Int64("user_id", userID).Msg("Profile updated")

	if s.awarder != nil && isComplete(u) {
		s.awarder.TryAward(userID, cms.ActionProfileCompleted, "user:"+strconv.FormatInt(userID, 10), "")
	}
	return s.Get(userID, userID)
}

func applyText(n nullable.Nullable[string], current, field string, max int) (string, error) {
	if !n.IsSpecified() {
		return current, nil
	}
	if n.IsNull() {
		return "", nil
	}
	v, _ := n.Get()
	return validate.MaxLength(field, v, max)
}

func isComplete(u *database.UserRecord) bool {
	return u.DisplayName != "" && u.Airline != "" && u.Role != "" && u.BaseAirport != "" && u.Bio != "" && u.PhotoURL != ""
}

// SetLayover replaces the user's layover.
func (s *Service) SetLayover(userID int64, airportCode string, arriveAt, departAt time.Time) (*database.Layover, error) {
	a, ok := s.airports.Lookup(airportCode)
	if !ok {
		return nil, validate.Errorf("airport_code", "unknown airport %q", airportCode)
	}
	if !departAt.After(arriveAt) {
		return nil, validate.Errorf("depart_at", "must be after arrive_at")
	}
	if departAt.Sub(arriveAt) > MaxLayover {
		return nil, validate.Errorf("depart_at", "layover cannot exceed 14 days")
	}
	if !departAt.After(s.clock.Now()) {
		return nil, validate.Errorf("depart_at", "must be in the future")
	}

	l := &database.Layover{
		UserID:      userID,
		AirportCode: a.IATA,
		City:        a.City,
		ArriveAt:    arriveAt.UTC(),
		DepartAt:    departAt.UTC(),
	}
	if err := s.db.UpsertLayover(l); err != nil {
		return nil, err
	}
	log.Info().Int64("user_id", userID).Str("airport", a.IATA).Time("depart_at", l.DepartAt).Msg("Layover set")
	return l, nil
}

// ClearLayover removes the user's layover.
func (s *Service) ClearLayover(userID int64) error {
	return s.db.DeleteLayover(userID)
}

// CrewInCity lists crew on layover right now in the city of airportCode.
func (s *Service) CrewInCity(viewerID int64, airportCode string) ([]CrewMember, error) {
	a, ok := s.airports.Lookup(airportCode)
	if !ok {
		return nil, validate.Errorf("airport_code", "unknown airport %q", airportCode)
	}
	layovers, err := s.db.ListLayoversInCities(viewerID, []string{a.City}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.withUsers(layovers, nil)
}

// CrewNearby lists crew on layover in any city with an airport within radiusKm.
func (s *Service) CrewNearby(viewerID int64, lat, lon, radiusKm float64) ([]CrewMember, error) {
	if radiusKm <= 0 {
		radiusKm = 50
	}
	near, err := s.airports.WithinRadius(lat, lon, radiusKm)
	if err != nil {
		return nil, err
	}

	distances := make(map[string]float64, len(near))
	var cities []string
	seen := map[string]bool{}
	for _, d := range near {
		distances[d.IATA] = d.DistanceKm
		if !seen[d.City] {
			seen[d.City] = true
			cities = append(cities, d.City)
		}
	}

	layovers, err := s.db.ListLayoversInCities(viewerID, cities, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.withUsers(layovers, distances)
}

func (s *Service) withUsers(layovers []database.Layover, distances map[string]float64) ([]CrewMember, error) {
	ids := make([]int64, len(layovers))
	for i, l := range layovers {
		ids[i] = l.UserID
	}
	users, err := s.db.GetUserSummaries(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load crew: %w", err)
	}

	out := make([]CrewMember, 0, len(layovers))
	for _, l := range layovers {
		u, ok := users[l.UserID]
		if !ok {
			continue
		}
		m := CrewMember{User: u, Layover: l}
		if d, ok := distances[l.AirportCode]; ok {
			m.DistanceKm = &d
		}
		out = append(out, m)
	}
	return out, nil
}
