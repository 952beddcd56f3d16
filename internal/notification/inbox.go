package notification

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/validate"
)

// Inbox notification kinds
const (
	KindSpotSubmitted      = "spot_submitted"
	KindSpotApproved       = "spot_approved"
	KindSpotRejected       = "spot_rejected"
	KindPlanJoined         = "plan_joined"
	KindPlanInvite         = "plan_invite"
	KindPlanCancelled      = "plan_cancelled"
	KindPlanReminder       = "plan_reminder"
	KindConnectionRequest  = "connection_request"
	KindConnectionAccepted = "connection_accepted"
	KindLevelUp            = "level_up"
	KindBadgeEarned        = "badge_earned"
	KindReportFiled        = "report_filed"
)

// Realtime event names
const (
	RealtimeNotification = "notification"
)

var ErrInvalidPushToken = errors.New("invalid Expo push token")

var expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[A-Za-z0-9_\-]+\]$`)

// Publisher pushes an event to a user's open realtime connections.
type Publisher interface {
	Publish(userID int64, event string, payload any)
}

// Queue accepts events for asynchronous delivery.
type Queue interface {
	Notify(event Event)
	NotifyAdmins(eventType EventType, title, message string, fields map[string]string)
}

// Inbox stores in-app notifications and fans them out to push and realtime.
type Inbox struct {
	db        *database.DB
	queue     Queue
	publisher Publisher
}

// NewInbox creates an inbox service. queue and publisher may be nil.
func NewInbox(db *database.DB, queue Queue, publisher Publisher) *Inbox {
	return &Inbox{db: db, queue: queue, publisher: publisher}
}

// Create stores a notification for userID and forwards it to their devices.
func (s *Inbox) Create(userID int64, kind, title, body string, data map[string]string) (*database.Notification, error) {
	n := &database.Notification{UserID: userID, Kind: kind, Title: title, Body: body, Data: data}
	if err := s.db.CreateNotification(n); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.Publish(userID, RealtimeNotification, n)
	}
	if s.queue != nil {
		fields := make(map[string]string, len(data)+2)
		for k, v := range data {
			fields[k] = v
		}
		fields["kind"] = kind
		fields["notification_id"] = strconv.FormatInt(n.ID, 10)
		s.queue.Notify(Event{Type: EventPush, UserID: userID, Title: title, Message: body, Fields: fields})
	}
	return n, nil
}

// Send is Create for callers that only log failures.
func (s *Inbox) Send(userID int64, kind, title, body string, data map[string]string) {
	if _, err := s.Create(userID, kind, title, body, data); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Str("kind", kind).Msg("Failed to create notification")
	}
}

// NotifyAdmins writes an inbox entry for every admin and raises an operator alert.
func (s *Inbox) NotifyAdmins(eventType EventType, kind, title, body string, data map[string]string) {
	ids, err := s.db.ListAdminIDs()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list admins")
		return
	}
	for _, id := range ids {
		s.Send(id, kind, title, body, data)
	}
	if s.queue != nil {
		s.queue.NotifyAdmins(eventType, title, body, data)
	}
}

// List returns the user's notifications.
func (s *Inbox) List(userID int64, unreadOnly bool, limit int) ([]*database.Notification, error) {
	return s.db.ListNotifications(userID, unreadOnly, validate.Clamp(limit, 50, 1, 200))
}

// UnreadCount returns the number of unread notifications.
func (s *Inbox) UnreadCount(userID int64) (int, error) {
	return s.db.CountUnreadNotifications(userID)
}

// MarkRead marks the listed notifications read.
func (s *Inbox) MarkRead(userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.db.MarkNotificationsRead(userID, ids)
}

// MarkAllRead marks every notification read.
func (s *Inbox) MarkAllRead(userID int64) (int64, error) {
	return s.db.MarkNotificationsRead(userID, nil)
}

// RegisterPushToken stores an Expo device token for the user.
func (s *Inbox) RegisterPushToken(userID int64, token, platform string) error {
	token = strings.TrimSpace(token)
	if !expoTokenPattern.MatchString(token) {
		return ErrInvalidPushToken
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform != "" {
		if err := validate.OneOf("platform", platform, "ios", "android", "web"); err != nil {
			return err
		}
	}
	return s.db.UpsertPushToken(userID, token, platform)
}

// UnregisterPushToken removes the user's device token.
func (s *Inbox) UnregisterPushToken(userID int64, token string) error {
	_, err := s.db.DeletePushToken(userID, strings.TrimSpace(token))
	return err
}
