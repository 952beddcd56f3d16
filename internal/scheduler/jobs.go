package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/database"
)

// Retention windows for maintenance jobs.
const (
	LayoverRetention         = 24 * time.Hour
	NotificationLogRetention = 30 * 24 * time.Hour
)

// VerificationCleaner removes stale verification codes and send records.
type VerificationCleaner interface {
	Cleanup() (int64, error)
}

// SessionCleaner removes expired login sessions.
type SessionCleaner interface {
	CleanupExpiredSessions() (int64, error)
}

// Reminder sends plan reminders and returns how many went out.
type Reminder interface {
	SendReminders() (int, error)
}

// MaintenanceJobs returns the built-in housekeeping jobs.
func MaintenanceJobs(db *database.DB, clk clock.Clock, sessions SessionCleaner, verifier VerificationCleaner, reminders Reminder) []Job {
	return []Job{
		{
			Name:     "verification_cleanup",
			Schedule: "@hourly",
			Run: func(context.Context) error {
				return logCount("verification_cleanup", verifier.Cleanup)
			},
		},
		{
			Name:     "session_cleanup",
			Schedule: "@hourly",
			Run: func(context.Context) error {
				return logCount("session_cleanup", sessions.CleanupExpiredSessions)
			},
		},
		{
			Name:     "plan_reminders",
			Schedule: "*/5 * * * *",
			Run: func(context.Context) error {
				return logCount("plan_reminders", func() (int64, error) {
					n, err := reminders.SendReminders()
					return int64(n), err
				})
			},
		},
		{
			Name:     "layover_cleanup",
			Schedule: "15 3 * * *",
			Run: func(context.Context) error {
				return logCount("layover_cleanup", func() (int64, error) {
					return db.DeleteEndedLayovers(clk.Now().Add(-LayoverRetention))
				})
			},
		},
		{
			Name:     "notification_log_cleanup",
			Schedule: "30 3 * * *",
			Run: func(context.Context) error {
				return logCount("notification_log_cleanup", func() (int64, error) {
					return db.ClearNotificationLogs(clk.Now().Add(-NotificationLogRetention))
				})
			},
		},
		{
			Name:     "database_optimize",
			Schedule: "45 3 * * *",
			Run: func(context.Context) error {
				return db.Optimize()
			},
		},
		{
			Name:     "database_vacuum",
			Schedule: "0 4 * * 0",
			Run: func(context.Context) error {
				return db.Vacuum()
			},
		},
	}
}

func logCount(job string, fn func() (int64, error)) error {
	n, err := fn()
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Str("job", job).Int64("affected", n).Msg("Maintenance job finished")
	}
	return nil
}
