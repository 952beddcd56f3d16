// Package plans implements crew meetups: creation, visibility, attendance,
// invites and reminders.
package plans

import (
	"errors"
	"fmt"
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

// Limits
const (
	MaxLeadTime       = 60 * 24 * time.Hour
	MaxStops          = 10
	MaxInvitesPerCall = 20
	MinCapacity       = 2
	MaxCapacity       = 50
	ReminderWindow    = time.Hour
)

// RealtimePlanUpdated is published to attendees when a plan changes.
const RealtimePlanUpdated = "plan_updated"

var (
	ErrNotFound        = errors.New("plan not found")
	ErrForbidden       = errors.New("only the host can do that")
	ErrCancelled       = errors.New("plan is cancelled")
	ErrStarted         = errors.New("plan has already started")
	ErrFull            = errors.New("plan is full")
	ErrHostCannotLeave = errors.New("the host cannot leave their own plan")
	ErrBlocked         = errors.New("you cannot join this plan")
)

// Notifier delivers in-app notifications.
type Notifier interface {
	Send(userID int64, kind, title, body string, data map[string]string)
}

// Awarder credits CMS actions.
type Awarder interface {
	TryAward(userID int64, action, refKey, city string) *cms.Delta
}

// StopInput is one stop of a new plan.
type StopInput struct {
	Name   string     `json:"name"`
	SpotID *int64     `json:"spot_id"`
	At     *time.Time `json:"at"`
}

// CreateInput describes a new plan.
type CreateInput struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	AirportCode string      `json:"airport_code"`
	StartAt     time.Time   `json:"start_at"`
	EndAt       *time.Time  `json:"end_at"`
	Capacity    *int        `json:"capacity"`
	Visibility  string      `json:"visibility"`
	Stops       []StopInput `json:"stops"`
}

// Details is a plan with its people.
type Details struct {
	*database.Plan
	Host      database.UserSummary   `json:"host"`
	Attendees []database.UserSummary `json:"attendees"`
	Attending bool                   `json:"attending"`
}

// Service manages plans.
type Service struct {
	db        *database.DB
	airports  *airports.Store
	clock     clock.Clock
	notifier  Notifier
	awarder   Awarder
	publisher notification.Publisher
}

// NewService creates a plan service. notifier, awarder and publisher may be nil.
func NewService(db *database.DB, ap *airports.Store, clk clock.Clock, notifier Notifier, awarder Awarder, publisher notification.Publisher) *Service {
	return &Service{db: db, airports: ap, clock: clk, notifier: notifier, awarder: awarder, publisher: publisher}
}

func planRef(id int64) string { return "plan:" + strconv.FormatInt(id, 10) }

func planData(id int64) map[string]string {
	return map[string]string{"plan_id": strconv.FormatInt(id, 10)}
}

// Create validates and stores a plan hosted by hostID.
func (s *Service) Create(hostID int64, in CreateInput) (*database.Plan, error) {
	now := s.clock.Now()
	p := &database.Plan{HostID: hostID}
	var err error

	if p.Title, err = validate.Length("title", in.Title, 3, 80); err != nil {
		return nil, err
	}
	if p.Description, err = validate.MaxLength("description", in.Description, 1000); err != nil {
		return nil, err
	}
	a, ok := s.airports.Lookup(in.AirportCode)
	if !ok {
		return nil, validate.Errorf("airport_code", "unknown airport %q", in.AirportCode)
	}
	p.AirportCode, p.City = a.IATA, a.City

	start := in.StartAt.UTC()
	if !start.After(now) {
		return nil, validate.Errorf("start_at", "must be in the future")
	}
	if start.Sub(now) > MaxLeadTime {
		return nil, validate.Errorf("start_at", "must be within 60 days")
	}
	p.StartAt = start
	if in.EndAt != nil {
		end := in.EndAt.UTC()
		if !end.After(start) {
			return nil, validate.Errorf("end_at", "must be after start_at")
		}
		p.EndAt = &end
	}

	if in.Capacity != nil {
		if *in.Capacity < MinCapacity || *in.Capacity > MaxCapacity {
			return nil, validate.Errorf("capacity", "must be between %d and %d", MinCapacity, MaxCapacity)
		}
		c := *in.Capacity
		p.Capacity = &c
	}

	p.Visibility = in.Visibility
	if p.Visibility == "" {
		p.Visibility = database.VisibilityPublic
	}
	if err := validate.OneOf("visibility", p.Visibility,
		database.VisibilityPublic, database.VisibilityConnections, database.VisibilityInviteOnly); err != nil {
		return nil, err
	}

	if p.Stops, err = s.validateStops(in.Stops, start, p.EndAt); err != nil {
		return nil, err
	}

	if err := s.db.CreatePlan(p); err != nil {
		return nil, err
	}
	log.Info().Int64("plan_id", p.ID).Int64("host_id", hostID).Str("city", p.City).Time("start_at", p.StartAt).Msg("Plan created")

	if s.awarder != nil {
		s.awarder.TryAward(hostID, cms.ActionPlanHosted, planRef(p.ID), p.City)
	}
	return p, nil
}

func (s *Service) validateStops(in []StopInput, start time.Time, end *time.Time) ([]database.PlanStop, error) {
	if len(in) > MaxStops {
		return nil, validate.Errorf("stops", "at most %d stops", MaxStops)
	}
	stops := make([]database.PlanStop, 0, len(in))
	var prev *time.Time
	for i, st := range in {
		field := fmt.Sprintf("stops[%d]", i)
		name, err := validate.Length(field+".name", st.Name, 1, 80)
		if err != nil {
			return nil, err
		}
		stop := database.PlanStop{Name: name}

		if st.SpotID != nil {
			spot, err := s.db.GetSpot(*st.SpotID)
			if err != nil {
				return nil, err
			}
			if spot == nil || spot.Status != database.SpotStatusApproved {
				return nil, validate.Errorf(field+".spot_id", "unknown spot")
			}
			id := *st.SpotID
			stop.SpotID = &id
		}

		if st.At != nil {
			at := st.At.UTC()
			if at.Before(start) || (end != nil && at.After(*end)) {
				return nil, validate.Errorf(field+".at", "must be within the plan's time")
			}
			if prev != nil && at.Before(*prev) {
				return nil, validate.Errorf(field+".at", "stops must be in time order")
			}
			stop.At = &at
			prev = &at
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

// canView applies the plan's visibility to viewer.
func (s *Service) canView(viewerID int64, p *database.Plan) (bool, error) {
	if p.HostID == viewerID {
		return true, nil
	}
	blocked, err := s.db.IsBlockedEither(viewerID, p.HostID)
	if err != nil || blocked {
		return false, err
	}
	attending, err := s.db.IsAttendee(p.ID, viewerID)
	if err != nil || attending {
		return attending, err
	}
	switch p.Visibility {
	case database.VisibilityPublic:
		return true, nil
	case database.VisibilityConnections:
		return s.db.AreConnected(viewerID, p.HostID)
	case database.VisibilityInviteOnly:
		return s.db.IsInvited(p.ID, viewerID)
	}
	return false, nil
}

func (s *Service) visiblePlan(viewerID, id int64) (*database.Plan, error) {
	p, err := s.db.GetPlan(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	ok, err := s.canView(viewerID, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Get returns a plan the viewer is allowed to see.
func (s *Service) Get(viewerID, id int64) (*Details, error) {
	p, err := s.visiblePlan(viewerID, id)
	if err != nil {
		return nil, err
	}
	ids, err := s.db.ListAttendeeIDs(id)
	if err != nil {
		return nil, err
	}
	users, err := s.db.GetUserSummaries(append(ids, p.HostID))
	if err != nil {
		return nil, err
	}

	d := &Details{Plan: p, Host: users[p.HostID], Attendees: make([]database.UserSummary, 0, len(ids))}
	for _, uid := range ids {
		if uid == viewerID {
			d.Attending = true
		}
		if u, ok := users[uid]; ok {
			d.Attendees = append(d.Attendees, u)
		}
	}
	return d, nil
}

// Join adds the user to a plan. Joining twice is a no-op.
func (s *Service) Join(userID, id int64) (*database.Plan, error) {
	p, err := s.db.GetPlan(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	blocked, err := s.db.IsBlockedEither(userID, p.HostID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlocked
	}
	visible, err := s.canView(userID, p)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, ErrNotFound
	}
	attending, err := s.db.IsAttendee(id, userID)
	if err != nil {
		return nil, err
	}
	if attending {
		return p, nil
	}
	if p.Status == database.PlanStatusCancelled {
		return nil, ErrCancelled
	}
	if !p.StartAt.After(s.clock.Now()) {
		return nil, ErrStarted
	}

	outcome, err := s.db.AddAttendee(id, userID, p.Capacity)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case database.JoinFull:
		return nil, ErrFull
	case database.JoinAlreadyAttending:
		return p, nil
	}

	p.AttendeeCount++
	log.Info().Int64("plan_id", id).Int64("user_id", userID).Msg("Joined plan")

	if s.awarder != nil {
		s.awarder.TryAward(userID, cms.ActionPlanJoined, planRef(id), p.City)
	}
	if s.notifier != nil && userID != p.HostID {
		name := s.displayName(userID)
		s.notifier.Send(p.HostID, notification.KindPlanJoined, "New attendee", name+" joined "+p.Title, planData(id))
	}
	s.publishUpdate(p, "joined")
	return p, nil
}

// Leave removes the user from a plan. The host cannot leave.
func (s *Service) Leave(userID, id int64) error {
	p, err := s.db.GetPlan(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotFound
	}
	if p.HostID == userID {
		return ErrHostCannotLeave
	}
	removed, err := s.db.RemoveAttendee(id, userID)
	if err != nil {
		return err
	}
	if removed {
		p.AttendeeCount--
		s.publishUpdate(p, "left")
	}
	return nil
}

// Invite invites users to the host's plan and returns who was newly invited.
// Attendees, blocked users and unknown users are skipped.
func (s *Service) Invite(hostID, id int64, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, validate.Errorf("user_ids", "is required")
	}
	if len(userIDs) > MaxInvitesPerCall {
		return nil, validate.Errorf("user_ids", "at most %d per request", MaxInvitesPerCall)
	}
	p, err := s.db.GetPlan(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if p.HostID != hostID {
		return nil, ErrForbidden
	}
	if p.Status == database.PlanStatusCancelled {
		return nil, ErrCancelled
	}

	seen := map[int64]bool{}
	var eligible []int64
	for _, uid := range userIDs {
		if uid == hostID || seen[uid] {
			continue
		}
		seen[uid] = true
		u, err := s.db.GetUserByID(uid)
		if err != nil {
			return nil, err
		}
		if u == nil || u.Banned {
			continue
		}
		attending, err := s.db.IsAttendee(id, uid)
		if err != nil {
			return nil, err
		}
		blocked, err := s.db.IsBlockedEither(hostID, uid)
		if err != nil {
			return nil, err
		}
		if attending || blocked {
			continue
		}
		eligible = append(eligible, uid)
	}

	added, err := s.db.AddInvites(id, hostID, eligible)
	if err != nil {
		return nil, err
	}
	if added == nil {
		added = []int64{}
	}
	if s.notifier != nil && len(added) > 0 {
		host := s.displayName(hostID)
		for _, uid := range added {
			s.notifier.Send(uid, notification.KindPlanInvite, "You're invited", host+" invited you to "+p.Title, planData(id))
		}
	}
	log.Debug().Int64("plan_id", id).Int("invited", len(added)).Msg("Plan invites sent")
	return added, nil
}

// Cancel cancels the host's plan and tells attendees.
func (s *Service) Cancel(hostID, id int64) error {
	p, err := s.db.GetPlan(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotFound
	}
	if p.HostID != hostID {
		return ErrForbidden
	}
	ok, err := s.db.CancelPlan(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCancelled
	}
	p.Status = database.PlanStatusCancelled
	log.Info().Int64("plan_id", id).Msg("Plan cancelled")

	attendees, err := s.db.ListAttendeeIDs(id)
	if err != nil {
		return err
	}
	for _, uid := range attendees {
		if uid == hostID || s.notifier == nil {
			continue
		}
		s.notifier.Send(uid, notification.KindPlanCancelled, "Plan cancelled", p.Title+" has been cancelled", planData(id))
	}
	s.publishUpdate(p, "cancelled")
	return nil
}

// ListUpcoming returns visible active plans starting from now, optionally in one city.
func (s *Service) ListUpcoming(viewerID int64, city string, limit int) ([]*database.Plan, error) {
	if a, ok := s.airports.Lookup(city); ok {
		city = a.City
	}
	list, err := s.db.ListUpcomingPlans(viewerID, city, validate.Clamp(limit, 20, 1, 100))
	if list == nil && err == nil {
		list = []*database.Plan{}
	}
	return list, err
}

// MyPlans returns plans the user hosts or attends, upcoming first.
func (s *Service) MyPlans(userID int64) ([]*database.Plan, error) {
	list, err := s.db.ListUserPlans(userID)
	if list == nil && err == nil {
		list = []*database.Plan{}
	}
	return list, err
}

// SendReminders notifies attendees of plans starting within the next hour.
// Each plan is reminded once. It returns the number of plans reminded.
func (s *Service) SendReminders() (int, error) {
	due, err := s.db.ListPlansDueReminder(s.clock.Now().Add(ReminderWindow))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range due {
		ok, err := s.db.MarkReminderSent(p.ID)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		sent++
		attendees, err := s.db.ListAttendeeIDs(p.ID)
		if err != nil {
			return sent, err
		}
		mins := int(p.StartAt.Sub(s.clock.Now()).Round(time.Minute).Minutes())
		for _, uid := range attendees {
			if s.notifier != nil {
				s.notifier.Send(uid, notification.KindPlanReminder, "Starting soon",
					fmt.Sprintf("%s starts in %d minutes", p.Title, mins), planData(p.ID))
			}
		}
	}
	if sent > 0 {
		log.Info().Int("plans", sent).Msg("Plan reminders sent")
	}
	return sent, nil
}

func (s *Service) displayName(userID int64) string {
	users, err := s.db.GetUserSummaries([]int64{userID})
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to load user name")
	}
	if u, ok := users[userID]; ok {
		return u.DisplayName
	}
	return "Someone"
}

func (s *Service) publishUpdate(p *database.Plan, change string) {
	if s.publisher == nil {
		return
	}
	attendees, err := s.db.ListAttendeeIDs(p.ID)
	if err != nil {
		log.Error().Err(err).Int64("plan_id", p.ID).Msg("Failed to list attendees for update")
		return
	}
	payload := map[string]any{
		"plan_id":        p.ID,
		"change":         change,
		"status":         p.Status,
		"attendee_count": p.AttendeeCount,
	}
	notified := map[int64]bool{}
	for _, uid := range append(attendees, p.HostID) {
		if notified[uid] {
			continue
		}
		notified[uid] = true
		s.publisher.Publish(uid, RealtimePlanUpdated, payload)
	}
}
