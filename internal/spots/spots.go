// Package spots handles crew-recommended places, check-ins and reviews.
package spots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/cms"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

// Categories lists the allowed spot categories.
var Categories = []string{"restaurant", "bar", "cafe", "gym", "park", "museum", "shopping", "nightlife", "other"}

// CheckinInterval is the minimum time between check-ins at the same spot.
const CheckinInterval = 24 * time.Hour

var (
	ErrNotFound    = errors.New("spot not found")
	ErrForbidden   = errors.New("not allowed")
	ErrNotPending  = errors.New("spot has already been reviewed")
	ErrNotApproved = errors.New("spot is not approved")
	ErrNoUploader  = errors.New("photo storage is not configured")
)

// CheckinTooSoonError reports when the user may check in again.
type CheckinTooSoonError struct {
	RetryAt time.Time
}

func (e *CheckinTooSoonError) Error() string {
	return fmt.Sprintf("already checked in here, try again after %s", e.RetryAt.Format(time.RFC3339))
}

func (e *CheckinTooSoonError) Unwrap() error { return ErrCheckinTooSoon }

var ErrCheckinTooSoon = errors.New("already checked in within 24 hours")

// Notifier delivers in-app notifications.
type Notifier interface {
	Send(userID int64, kind, title, body string, data map[string]string)
	NotifyAdmins(eventType notification.EventType, kind, title, body string, data map[string]string)
}

// Awarder credits CMS actions.
type Awarder interface {
	TryAward(userID int64, action, refKey, city string) *cms.Delta
}

// Uploader stores an image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, kind string, r io.Reader) (string, error)
}

// SubmitInput is a new spot suggestion.
type SubmitInput struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	AirportCode string   `json:"airport_code"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Description string   `json:"description"`
	Tip         string   `json:"tip"`
}

// View is a spot with its derived rating.
type View struct {
	*database.Spot
	AverageRating float64           `json:"average_rating"`
	Reviews       []database.Review `json:"reviews,omitempty"`
}

func newView(s *database.Spot) View {
	return View{Spot: s, AverageRating: s.AverageRating()}
}

// CheckinResult is returned by CheckIn.
type CheckinResult struct {
	SpotID int64      `json:"spot_id"`
	At     time.Time  `json:"checked_in_at"`
	CMS    *cms.Delta `json:"cms,omitempty"`
}

// Service manages spots.
type Service struct {
	db       *database.DB
	airports *airports.Store
	clock    clock.Clock
	notifier Notifier
	awarder  Awarder
	uploader Uploader
}

// NewService creates a spot service. notifier, awarder and uploader may be nil.
func NewService(db *database.DB, ap *airports.Store, clk clock.Clock, notifier Notifier, awarder Awarder, uploader Uploader) *Service {
	return &Service{db: db, airports: ap, clock: clk, notifier: notifier, awarder: awarder, uploader: uploader}
}

// Submit validates and stores a pending spot, then alerts admins.
func (s *Service) Submit(userID int64, in SubmitInput) (*database.Spot, error) {
	spot := &database.Spot{SubmittedBy: &userID}
	var err error

	if spot.Name, err = validate.Length("name", in.Name, 2, 80); err != nil {
		return nil, err
	}
	if err := validate.OneOf("category", in.Category, Categories...); err != nil {
		return nil, err
	}
	spot.Category = in.Category

	a, ok := s.airports.Lookup(in.AirportCode)
	if !ok {
		return nil, validate.Errorf("airport_code", "unknown airport %q", in.AirportCode)
	}
	spot.AirportCode, spot.City = a.IATA, a.City

	if spot.Address, err = validate.MaxLength("address", in.Address, 200); err != nil {
		return nil, err
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return nil, validate.Errorf("latitude", "latitude and longitude must be given together")
	}
	if in.Latitude != nil {
		if err := validate.Coordinates(*in.Latitude, *in.Longitude); err != nil {
			return nil, err
		}
		spot.Latitude, spot.Longitude = in.Latitude, in.Longitude
	}
	if spot.Description, err = validate.MaxLength("description", in.Description, 1000); err != nil {
		return nil, err
	}
	if spot.Tip, err = validate.MaxLength("tip", in.Tip, 280); err != nil {
		return nil, err
	}

	if err := s.db.CreateSpot(spot); err != nil {
		return nil, err
	}
	log.Info().Int64("spot_id", spot.ID).Int64("user_id", userID).Str("city", spot.City).Msg("Spot submitted")

	if s.notifier != nil {
		s.notifier.NotifyAdmins(notification.EventSpotSubmitted, notification.KindSpotSubmitted,
			"New spot to review",
			fmt.Sprintf("%s (%s) in %s", spot.Name, spot.Category, spot.City),
			map[string]string{"spot_id": strconv.FormatInt(spot.ID, 10)})
	}
	return spot, nil
}

func (s *Service) isAdmin(userID int64) (bool, error) {
	u, err := s.db.GetUserByID(userID)
	if err != nil {
		return false, err
	}
	return u != nil && u.IsAdmin && !u.Banned, nil
}

func (s *Service) review(adminID, id int64, status, reason string) (*database.Spot, error) {
	admin, err := s.isAdmin(adminID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, ErrForbidden
	}
	spot, err := s.db.GetSpot(id)
	if err != nil {
		return nil, err
	}
	if spot == nil {
		return nil, ErrNotFound
	}
	ok, err := s.db.ReviewSpot(id, status, adminID, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPending
	}
	log.Info().Int64("spot_id", id).Int64("admin_id", adminID).Str("status", status).Msg("Spot reviewed")
	return s.db.GetSpot(id)
}

// Approve publishes a pending spot and credits the submitter.
func (s *Service) Approve(adminID, id int64) (*database.Spot, error) {
	spot, err := s.review(adminID, id, database.SpotStatusApproved, "")
	if err != nil {
		return nil, err
	}
	if spot.SubmittedBy != nil {
		ref := "spot:" + strconv.FormatInt(spot.ID, 10)
		if s.awarder != nil {
			s.awarder.TryAward(*spot.SubmittedBy, cms.ActionSpotApproved, ref, spot.City)
		}
		if s.notifier != nil {
			s.notifier.Send(*spot.SubmittedBy, notification.KindSpotApproved, "Your spot was approved",
				spot.Name+" is now visible to crew in "+spot.City,
				map[string]string{"spot_id": strconv.FormatInt(spot.ID, 10)})
		}
	}
	return spot, nil
}

// Reject declines a pending spot with a reason.
func (s *Service) Reject(adminID, id int64, reason string) (*database.Spot, error) {
	reason, err := validate.MaxLength("reason", reason, 500)
	if err != nil {
		return nil, err
	}
	spot, err := s.review(adminID, id, database.SpotStatusRejected, reason)
	if err != nil {
		return nil, err
	}
	if spot.SubmittedBy != nil && s.notifier != nil {
		body := spot.Name + " was not approved"
		if reason != "" {
			body += ": " + reason
		}
		s.notifier.Send(*spot.SubmittedBy, notification.KindSpotRejected, "Your spot was not approved", body,
			map[string]string{"spot_id": strconv.FormatInt(spot.ID, 10)})
	}
	return spot, nil
}

// Get returns a spot with its latest reviews. Spots that are not approved are
// only visible to their submitter and admins.
func (s *Service) Get(viewerID, id int64) (*View, error) {
	spot, err := s.db.GetSpot(id)
	if err != nil {
		return nil, err
	}
	if spot == nil {
		return nil, ErrNotFound
	}
	if spot.Status != database.SpotStatusApproved {
		owner := spot.SubmittedBy != nil && *spot.SubmittedBy == viewerID
		if !owner {
			admin, err := s.isAdmin(viewerID)
			if err != nil {
				return nil, err
			}
			if !admin {
				return nil, ErrNotFound
			}
		}
	}

	v := newView(spot)
	if v.Reviews, err = s.db.ListReviews(id, 20); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListByCity returns approved spots in a city, best rated first.
func (s *Service) ListByCity(city, category string, limit, offset int) ([]View, error) {
	if city == "" {
		return nil, validate.Errorf("city", "is required")
	}
	if a, ok := s.airports.Lookup(city); ok {
		city = a.City
	}
	if category != "" {
		if err := validate.OneOf("category", category, Categories...); err != nil {
			return nil, err
		}
	}
	if offset < 0 {
		offset = 0
	}

	list, err := s.db.ListSpots(database.SpotFilter{
		City:     city,
		Category: category,
		Status:   database.SpotStatusApproved,
		Limit:    validate.Clamp(limit, 20, 1, 100),
		Offset:   offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(list))
	for _, sp := range list {
		out = append(out, newView(sp))
	}
	return out, nil
}

// ListPending returns the moderation queue.
func (s *Service) ListPending(limit, offset int) ([]*database.Spot, error) {
	if offset < 0 {
		offset = 0
	}
	list, err := s.db.ListPendingSpots(validate.Clamp(limit, 50, 1, 200), offset)
	if list == nil && err == nil {
		list = []*database.Spot{}
	}
	return list, err
}

func (s *Service) approvedSpot(id int64) (*database.Spot, error) {
	spot, err := s.db.GetSpot(id)
	if err != nil {
		return nil, err
	}
	if spot == nil {
		return nil, ErrNotFound
	}
	if spot.Status != database.SpotStatusApproved {
		return nil, ErrNotApproved
	}
	return spot, nil
}

// CheckIn records a visit, at most once per spot every 24 hours.
func (s *Service) CheckIn(userID, spotID int64) (*CheckinResult, error) {
	spot, err := s.approvedSpot(spotID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	retryAt, err := s.db.RecordCheckinIfDue(spotID, userID, CheckinInterval)
	if err != nil {
		return nil, err
	}
	if retryAt != nil {
		return nil, &CheckinTooSoonError{RetryAt: *retryAt}
	}

	res := &CheckinResult{SpotID: spotID, At: now}
	if s.awarder != nil {
		ref := fmt.Sprintf("spot:%d:%s:%s", spot.ID, spot.City, now.Format(time.DateOnly))
		res.CMS = s.awarder.TryAward(userID, cms.ActionCheckin, ref, spot.City)
	}
	log.Debug().Int64("spot_id", spotID).Int64("user_id", userID).Msg("Checked in")
	return res, nil
}

// ReviewResult is returned by Review.
type ReviewResult struct {
	Review  *database.Review `json:"review"`
	Created bool             `json:"created"`
	CMS     *cms.Delta       `json:"cms,omitempty"`
}

// Review writes or replaces the user's review of a spot. Points are only
// awarded for the first review.
func (s *Service) Review(userID, spotID int64, rating int, comment string) (*ReviewResult, error) {
	if rating < 1 || rating > 5 {
		return nil, validate.Errorf("rating", "must be between 1 and 5")
	}
	comment, err := validate.MaxLength("comment", comment, 500)
	if err != nil {
		return nil, err
	}
	spot, err := s.approvedSpot(spotID)
	if err != nil {
		return nil, err
	}

	r := &database.Review{SpotID: spotID, UserID: userID, Rating: rating, Comment: comment}
	created, err := s.db.UpsertReview(r)
	if err != nil {
		return nil, err
	}
	res := &ReviewResult{Review: r, Created: created}
	if created && s.awarder != nil {
		res.CMS = s.awarder.TryAward(userID, cms.ActionReview, "spot:"+strconv.FormatInt(spotID, 10), spot.City)
	}
	return res, nil
}

func (s *Service) editableSpot(userID, spotID int64) (*database.Spot, error) {
	spot, err := s.db.GetSpot(spotID)
	if err != nil {
		return nil, err
	}
	if spot == nil {
		return nil, ErrNotFound
	}
	if spot.SubmittedBy == nil || *spot.SubmittedBy != userID {
		admin, err := s.isAdmin(userID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, ErrForbidden
		}
	}
	return spot, nil
}

// SetPhoto replaces a spot's photo. Only the submitter or an admin may do it.
func (s *Service) SetPhoto(userID, spotID int64, url string) (*database.Spot, error) {
	spot, err := s.editableSpot(userID, spotID)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetSpotPhoto(spotID, url); err != nil {
		return nil, err
	}
	spot.PhotoURL = url
	return spot, nil
}

// UploadPhoto stores an image and sets it as the spot's photo.
func (s *Service) UploadPhoto(ctx context.Context, userID, spotID int64, r io.Reader) (*database.Spot, error) {
	if s.uploader == nil {
		return nil, ErrNoUploader
	}
	spot, err := s.editableSpot(userID, spotID)
	if err != nil {
		return nil, err
	}
	url, err := s.uploader.Upload(ctx, "spots", r)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetSpotPhoto(spotID, url); err != nil {
		return nil, err
	}
	spot.PhotoURL = url
	log.Info().Int64("spot_id", spotID).Str("url", url).Msg("Spot photo uploaded")
	return spot, nil
}
