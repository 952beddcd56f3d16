// Package cms awards Crew Mileage Score points and tracks levels and badges.
package cms

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

// Actions
const (
	ActionCheckin          = "checkin"
	ActionReview           = "review"
	ActionSpotApproved     = "spot_approved"
	ActionPlanHosted       = "plan_hosted"
	ActionPlanJoined       = "plan_joined"
	ActionReferral         = "referral"
	ActionProfileCompleted = "profile_completed"
	ActionEmailVerified    = "email_verified"
)

// Points per action
var Points = map[string]int{
	ActionCheckin:          10,
	ActionReview:           15,
	ActionSpotApproved:     25,
	ActionPlanHosted:       20,
	ActionPlanJoined:       5,
	ActionReferral:         50,
	ActionProfileCompleted: 10,
	ActionEmailVerified:    10,
}

var ErrUnknownAction = errors.New("unknown cms action")

// Level is a named points threshold.
type Level struct {
	Number    int    `json:"number"`
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
}

// Levels in ascending order
var Levels = []Level{
	{1, "Trainee", 0},
	{2, "Junior Crew", 50},
	{3, "Crew", 150},
	{4, "Senior Crew", 400},
	{5, "Purser", 800},
	{6, "Captain", 1500},
	{7, "Legend", 3000},
}

// LevelFor returns the highest level reached with points.
func LevelFor(points int) Level {
	level := Levels[0]
	for _, l := range Levels {
		if points >= l.MinPoints {
			level = l
		}
	}
	return level
}

// Badge is a counter rule over the ledger.
type Badge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	threshold   int
	counter     func(database.CMSStats) int
}

func actionCount(action string) func(database.CMSStats) int {
	return func(s database.CMSStats) int { return s.ActionCounts[action] }
}

func checkinCities(s database.CMSStats) int { return s.CheckinCities }

// Badges in display order
var Badges = []Badge{
	{"first_checkin", "First Check-in", "Check in at a spot", 1, actionCount(ActionCheckin)},
	{"explorer", "Explorer", "Check in across 5 cities", 5, checkinCities},
	{"globetrotter", "Globetrotter", "Check in across 15 cities", 15, checkinCities},
	{"critic", "Critic", "Review 5 spots", 5, actionCount(ActionReview)},
	{"host", "Host", "Host a plan", 1, actionCount(ActionPlanHosted)},
	{"social_butterfly", "Social Butterfly", "Join 10 plans", 10, actionCount(ActionPlanJoined)},
	{"recruiter", "Recruiter", "Refer 5 verified crew", 5, actionCount(ActionReferral)},
	{"scout", "Scout", "Get 3 spots approved", 3, actionCount(ActionSpotApproved)},
}

func badgeByID(id string) (Badge, bool) {
	for _, b := range Badges {
		if b.ID == id {
			return b, true
		}
	}
	return Badge{}, false
}

// Evaluate maps counters to the level and every badge earned so far.
func Evaluate(stats database.CMSStats) (int, []string) {
	var earned []string
	for _, b := range Badges {
		if b.counter(stats) >= b.threshold {
			earned = append(earned, b.ID)
		}
	}
	return LevelFor(stats.Points).Number, earned
}

// Delta is the outcome of an award.
type Delta struct {
	Action       string   `json:"action"`
	Duplicate    bool     `json:"duplicate"`
	Awarded      int      `json:"awarded"`
	PointsBefore int      `json:"points_before"`
	PointsAfter  int      `json:"points_after"`
	LevelBefore  int      `json:"level_before"`
	LevelAfter   int      `json:"level_after"`
	NewBadges    []string `json:"new_badges,omitempty"`
}

// LeveledUp reports whether the award crossed a level threshold.
func (d *Delta) LeveledUp() bool {
	return d.LevelAfter > d.LevelBefore
}

// Notifier delivers inbox notifications.
type Notifier interface {
	Send(userID int64, kind, title, body string, data map[string]string)
}

// Service awards points
type Service struct {
	db        *database.DB
	notifier  Notifier
	publisher notification.Publisher
}

// NewService creates a CMS service. notifier and publisher may be nil.
func NewService(db *database.DB, notifier Notifier, publisher notification.Publisher) *Service {
	return &Service{db: db, notifier: notifier, publisher: publisher}
}

// Award credits action to the user once per refKey.
func (s *Service) Award(userID int64, action, refKey string) (*Delta, error) {
	return s.AwardInCity(userID, action, refKey, "")
}

// AwardInCity is Award with the city recorded for city-based badges.
func (s *Service) AwardInCity(userID int64, action, refKey, city string) (*Delta, error) {
	points, ok := Points[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	res, err := s.db.AwardCMS(userID, action, refKey, points, city, Evaluate)
	if err != nil {
		return nil, err
	}

	d := &Delta{
		Action:       action,
		Duplicate:    res.Duplicate,
		PointsBefore: res.PointsBefore,
		PointsAfter:  res.PointsAfter,
		LevelBefore:  res.LevelBefore,
		LevelAfter:   res.LevelAfter,
		NewBadges:    res.NewBadges,
	}
	if res.Duplicate {
		return d, nil
	}
	d.Awarded = points

	log.Debug().
		Int64("user_id", userID).
		Str("action", action).
		Str("ref", refKey).
		Int("points", d.PointsAfter).
		Msg("CMS points awarded")

	s.announce(userID, d)
	return d, nil
}

// TryAward awards and logs failures; used where points are a side effect.
func (s *Service) TryAward(userID int64, action, refKey, city string) *Delta {
	d, err := s.AwardInCity(userID, action, refKey, city)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Str("action", action).Msg("Failed to award CMS points")
		return nil
	}
	return d
}

func (s *Service) announce(userID int64, d *Delta) {
	if s.publisher != nil {
		s.publisher.Publish(userID, "cms_awarded", d)
	}
	if s.notifier == nil {
		return
	}
	if d.LeveledUp() {
		level := LevelFor(d.PointsAfter)
		s.notifier.Send(userID, notification.KindLevelUp,
			"Level up!", fmt.Sprintf("You reached level %d: %s", level.Number, level.Name),
			map[string]string{"level": strconv.Itoa(level.Number)})
	}
	for _, id := range d.NewBadges {
		b, ok := badgeByID(id)
		if !ok {
			continue
		}
		s.notifier.Send(userID, notification.KindBadgeEarned,
			"Badge earned: "+b.Name, b.Description,
			map[string]string{"badge": id})
	}
}

// EarnedBadge is a badge with the time it was earned.
type EarnedBadge struct {
	Badge
	EarnedAt string `json:"earned_at"`
}

// Summary is a user's CMS standing.
type Summary struct {
	Points          int            `json:"points"`
	Level           Level          `json:"level"`
	NextLevel       *Level         `json:"next_level,omitempty"`
	PointsToNext    int            `json:"points_to_next"`
	Progress        float64        `json:"progress"`
	Badges          []EarnedBadge  `json:"badges"`
	ActionCounts    map[string]int `json:"action_counts"`
	CitiesCheckedIn int            `json:"cities_checked_in"`
}

// Summary returns the user's total, level progress and badges.
func (s *Service) Summary(userID int64) (*Summary, error) {
	stats, err := s.db.GetCMSStats(userID)
	if err != nil {
		return nil, err
	}

	level := LevelFor(stats.Points)
	sum := &Summary{
		Points:          stats.Points,
		Level:           level,
		Progress:        1,
		Badges:          []EarnedBadge{},
		ActionCounts:    stats.ActionCounts,
		CitiesCheckedIn: stats.CheckinCities,
	}
	if level.Number < len(Levels) {
		next := Levels[level.Number]
		sum.NextLevel = &next
		sum.PointsToNext = next.MinPoints - stats.Points
		sum.Progress = float64(stats.Points-level.MinPoints) / float64(next.MinPoints-level.MinPoints)
	}

	for _, b := range Badges {
		if at, ok := stats.Badges[b.ID]; ok {
			sum.Badges = append(sum.Badges, EarnedBadge{Badge: b, EarnedAt: at.Format("2006-01-02T15:04:05Z")})
		}
	}
	sort.SliceStable(sum.Badges, func(i, j int) bool { return sum.Badges[i].EarnedAt < sum.Badges[j].EarnedAt })
	return sum, nil
}

// History returns the user's ledger entries, newest first.
func (s *Service) History(userID int64, limit int) ([]database.LedgerEntry, error) {
	return s.db.ListCMSHistory(userID, validate.Clamp(limit, 50, 1, 200))
}
