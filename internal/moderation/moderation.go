// Package moderation handles user reports and admin actions.
package moderation

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

// Report target types
const (
	TargetUser   = "user"
	TargetSpot   = "spot"
	TargetPlan   = "plan"
	TargetReview = "review"
)

// Reasons a report may give.
var Reasons = []string{"spam", "harassment", "inappropriate", "fake", "other"}

// RealtimeReportsPending carries the open report count to admins.
const RealtimeReportsPending = "reports_pending"

var (
	ErrTargetNotFound  = errors.New("reported item not found")
	ErrReportSelf      = errors.New("you cannot report yourself")
	ErrAlreadyReported = errors.New("you already have an open report on this")
	ErrNotFound        = errors.New("report not found")
	ErrAlreadyResolved = errors.New("report already resolved")
	ErrForbidden       = errors.New("admin only")
	ErrSelfAction      = errors.New("you cannot do that to your own account")
	ErrUserNotFound    = errors.New("user not found")
)

// Notifier delivers admin notifications.
type Notifier interface {
	NotifyAdmins(eventType notification.EventType, kind, title, body string, data map[string]string)
}

// Service implements moderation.
type Service struct {
	db        *database.DB
	notifier  Notifier
	publisher notification.Publisher
	alerts    notification.Queue
}

// NewService creates a moderation service. notifier, publisher and alerts may be nil.
func NewService(db *database.DB, notifier Notifier, publisher notification.Publisher, alerts notification.Queue) *Service {
	return &Service{db: db, notifier: notifier, publisher: publisher, alerts: alerts}
}

// ReportInput is a new report.
type ReportInput struct {
	TargetType string `json:"target_type"`
	TargetID   int64  `json:"target_id"`
	Reason     string `json:"reason"`
	Details    string `json:"details"`
}

// Report files a report against a user, spot, plan or review.
func (s *Service) Report(reporterID int64, in ReportInput) (*database.Report, error) {
	if err := validate.OneOf("target_type", in.TargetType, TargetUser, TargetSpot, TargetPlan, TargetReview); err != nil {
		return nil, err
	}
	if err := validate.OneOf("reason", in.Reason, Reasons...); err != nil {
		return nil, err
	}
	details, err := validate.MaxLength("details", in.Details, 500)
	if err != nil {
		return nil, err
	}
	if in.TargetType == TargetUser && in.TargetID == reporterID {
		return nil, ErrReportSelf
	}
	exists, err := s.targetExists(in.TargetType, in.TargetID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTargetNotFound
	}

	r := &database.Report{
		ReporterID: reporterID,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Reason:     in.Reason,
		Details:    details,
	}
	if err := s.db.CreateReport(r); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrAlreadyReported
		}
		return nil, err
	}
	log.Info().Int64("report_id", r.ID).Str("target", in.TargetType).Int64("target_id", in.TargetID).Msg("Report filed")

	if s.notifier != nil {
		s.notifier.NotifyAdmins(notification.EventReportFiled, notification.KindReportFiled,
			"New report",
			fmt.Sprintf("%s #%d reported for %s", in.TargetType, in.TargetID, in.Reason),
			map[string]string{"report_id": strconv.FormatInt(r.ID, 10)})
	}
	s.broadcastPending()
	return r, nil
}

func (s *Service) targetExists(targetType string, id int64) (bool, error) {
	switch targetType {
	case TargetUser:
		u, err := s.db.GetUserByID(id)
		return u != nil, err
	case TargetSpot:
		sp, err := s.db.GetSpot(id)
		return sp != nil, err
	case TargetPlan:
		p, err := s.db.GetPlan(id)
		return p != nil, err
	case TargetReview:
		r, err := s.db.GetReview(id)
		return r != nil, err
	}
	return false, nil
}

// PendingCount returns the number of open reports.
func (s *Service) PendingCount() (int, error) {
	return s.db.CountOpenReports()
}

// List returns reports with status, or all when status is empty.
func (s *Service) List(status string, limit, offset int) ([]*database.Report, error) {
	if status != "" {
		if err := validate.OneOf("status", status, database.ReportOpen, database.ReportDismissed, database.ReportActioned); err != nil {
			return nil, err
		}
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListReports(status, validate.Clamp(limit, 50, 1, 200), offset)
}

// Resolve closes an open report as dismissed or actioned.
func (s *Service) Resolve(adminID, id int64, resolution, note string) (*database.Report, error) {
	if err := s.requireAdmin(adminID); err != nil {
		return nil, err
	}
	if err := validate.OneOf("resolution", resolution, database.ReportDismissed, database.ReportActioned); err != nil {
		return nil, err
	}
	note, err := validate.MaxLength("note", note, 500)
	if err != nil {
		return nil, err
	}
	r, err := s.db.GetReport(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	ok, err := s.db.ResolveReport(id, resolution, adminID, note)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyResolved
	}
	log.Info().Int64("report_id", id).Int64("admin_id", adminID).Str("resolution", resolution).Msg("Report resolved")
	s.broadcastPending()
	return s.db.GetReport(id)
}

// BanUser disables an account and revokes all of its sessions.
func (s *Service) BanUser(adminID, userID int64) error {
	return s.setBanned(adminID, userID, true)
}

// UnbanUser re-enables an account.
func (s *Service) UnbanUser(adminID, userID int64) error {
	return s.setBanned(adminID, userID, false)
}

func (s *Service) setBanned(adminID, userID int64, banned bool) error {
	if err := s.requireAdmin(adminID); err != nil {
		return err
	}
	if adminID == userID {
		return ErrSelfAction
	}
	u, err := s.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUserNotFound
	}
	if err := s.db.SetUserBanned(userID, banned); err != nil {
		return err
	}
	if !banned {
		log.Info().Int64("user_id", userID).Int64("admin_id", adminID).Msg("User unbanned")
		return nil
	}

	revoked, err := s.db.DeleteUserSessions(userID, "")
	if err != nil {
		return err
	}
	log.Warn().Int64("user_id", userID).Int64("admin_id", adminID).Int64("sessions_revoked", revoked).Msg("User banned")
	if s.alerts != nil {
		s.alerts.NotifyAdmins(notification.EventUserBanned, "User banned",
			fmt.Sprintf("%s (#%d) was banned", u.DisplayName, u.ID),
			map[string]string{"user_id": strconv.FormatInt(u.ID, 10), "admin_id": strconv.FormatInt(adminID, 10)})
	}
	return nil
}

// SetAdmin grants or revokes admin rights. Admins cannot demote themselves.
func (s *Service) SetAdmin(adminID, userID int64, admin bool) error {
	if err := s.requireAdmin(adminID); err != nil {
		return err
	}
	if adminID == userID && !admin {
		return ErrSelfAction
	}
	u, err := s.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUserNotFound
	}
	if err := s.db.SetUserAdmin(userID, admin); err != nil {
		return err
	}
	log.Info().Int64("user_id", userID).Bool("admin", admin).Int64("by", adminID).Msg("Admin flag changed")
	return nil
}

// RepairOrphans removes rows left pointing at deleted records.
func (s *Service) RepairOrphans(dryRun bool) (database.OrphanCounts, error) {
	counts, err := s.db.RepairOrphans(dryRun)
	if err != nil {
		return nil, err
	}
	ev := log.Info().Bool("dry_run", dryRun).Int64("total", counts.Total())
	for name, n := range counts {
		if n > 0 {
			ev = ev.Int64(name, n)
		}
	}
	ev.Msg("Orphan check complete")
	return counts, nil
}

func (s *Service) requireAdmin(userID int64) error {
	u, err := s.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	if u == nil || !u.IsAdmin || u.Banned {
		return ErrForbidden
	}
	return nil
}

func (s *Service) broadcastPending() {
	if s.publisher == nil {
		return
	}
	count, err := s.db.CountOpenReports()
	if err != nil {
		log.Error().Err(err).Msg("Failed to count open reports")
		return
	}
	admins, err := s.db.ListAdminIDs()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list admins")
		return
	}
	payload := map[string]int{"count": count}
	for _, id := range admins {
		s.publisher.Publish(id, RealtimeReportsPending, payload)
	}
}
