package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	log.Info().Msg("Running database migrations")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := db.SchemaVersion()
	if err != nil {
		return err
	}

	log.Debug().Int("current_version", currentVersion).Msg("Current schema version")

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")

		if err := db.Transaction(func(tx *sql.Tx) error {
			for i, stmt := range splitSQLStatements(m.SQL) {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migration %d statement %d failed: %w", m.Version, i+1, err)
				}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	log.Info().Msg("Database migrations complete")
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return v, nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// splitSQLStatements splits a SQL string into individual statements.
// Comment lines are dropped; a statement ends at a line ending in ';'.
func splitSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	for line := range strings.SplitSeq(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" && stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		statements = append(statements, remaining)
	}

	return statements
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			-- Crew accounts
			CREATE TABLE users (
				id INTEGER PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				display_name TEXT NOT NULL,
				airline TEXT,
				role TEXT,
				base_airport TEXT,
				bio TEXT,
				photo_url TEXT,
				referral_code TEXT NOT NULL UNIQUE,
				referred_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
				is_admin BOOLEAN NOT NULL DEFAULT 0,
				banned BOOLEAN NOT NULL DEFAULT 0,
				email_verified_at TIMESTAMP,
				cms_points INTEGER NOT NULL DEFAULT 0,
				cms_level INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_users_referred_by ON users(referred_by);

			CREATE TABLE sessions (
				id TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				expires_at TIMESTAMP NOT NULL,
				created_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_sessions_user ON sessions(user_id);

			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- Email verification
			CREATE TABLE verification_codes (
				id INTEGER PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				code_hash TEXT NOT NULL,
				expires_at TIMESTAMP NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				used_at TIMESTAMP,
				invalidated BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_verification_codes_user ON verification_codes(user_id, created_at);

			CREATE TABLE verification_sends (
				id INTEGER PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				sent_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_verification_sends_user ON verification_sends(user_id, sent_at);

			-- One active layover per user
			CREATE TABLE layovers (
				user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
				airport_code TEXT NOT NULL,
				city TEXT NOT NULL,
				arrive_at TIMESTAMP NOT NULL,
				depart_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_layovers_city ON layovers(city, depart_at);

			CREATE TABLE spots (
				id INTEGER PRIMARY KEY,
				name TEXT NOT NULL,
				category TEXT NOT NULL,
				airport_code TEXT NOT NULL,
				city TEXT NOT NULL,
				address TEXT NOT NULL DEFAULT '',
				latitude REAL,
				longitude REAL,
				description TEXT NOT NULL DEFAULT '',
				tip TEXT NOT NULL DEFAULT '',
				photo_url TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				reject_reason TEXT NOT NULL DEFAULT '',
				submitted_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
				reviewed_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
				reviewed_at TIMESTAMP,
				rating_sum INTEGER NOT NULL DEFAULT 0,
				review_count INTEGER NOT NULL DEFAULT 0,
				checkin_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_spots_city_status ON spots(city, status);

			CREATE TABLE spot_checkins (
				id INTEGER PRIMARY KEY,
				spot_id INTEGER NOT NULL REFERENCES spots(id) ON DELETE CASCADE,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_spot_checkins_user_spot ON spot_checkins(user_id, spot_id, created_at);

			CREATE TABLE spot_reviews (
				id INTEGER PRIMARY KEY,
				spot_id INTEGER NOT NULL REFERENCES spots(id) ON DELETE CASCADE,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				rating INTEGER NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE(spot_id, user_id)
			);

			-- Meetup plans
			CREATE TABLE plans (
				id INTEGER PRIMARY KEY,
				host_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				airport_code TEXT NOT NULL,
				city TEXT NOT NULL,
				start_at TIMESTAMP NOT NULL,
				end_at TIMESTAMP,
				capacity INTEGER,
				visibility TEXT NOT NULL DEFAULT 'public',
				status TEXT NOT NULL DEFAULT 'active',
				reminder_sent_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_plans_city_start ON plans(city, start_at);

			CREATE TABLE plan_stops (
				id INTEGER PRIMARY KEY,
				plan_id INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				name TEXT NOT NULL,
				spot_id INTEGER REFERENCES spots(id) ON DELETE SET NULL,
				at TIMESTAMP
			);
			CREATE INDEX idx_plan_stops_plan ON plan_stops(plan_id, position);

			CREATE TABLE plan_attendees (
				plan_id INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				joined_at TIMESTAMP NOT NULL,
				PRIMARY KEY (plan_id, user_id)
			);

			CREATE TABLE plan_invites (
				plan_id INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				invited_by INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (plan_id, user_id)
			);

			-- Social graph
			CREATE TABLE connection_requests (
				id INTEGER PRIMARY KEY,
				from_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				to_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				message TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP NOT NULL,
				responded_at TIMESTAMP
			);
			CREATE INDEX idx_connection_requests_to ON connection_requests(to_id, status);
			CREATE INDEX idx_connection_requests_from ON connection_requests(from_id, status);

			-- user_a < user_b
			CREATE TABLE connections (
				user_a INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				user_b INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (user_a, user_b)
			);
			CREATE INDEX idx_connections_b ON connections(user_b);

			CREATE TABLE blocks (
				blocker_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				blocked_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (blocker_id, blocked_id)
			);

			-- Moderation
			CREATE TABLE reports (
				id INTEGER PRIMARY KEY,
				reporter_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				target_type TEXT NOT NULL,
				target_id INTEGER NOT NULL,
				reason TEXT NOT NULL,
				details TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'open',
				resolved_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
				resolution_note TEXT NOT NULL DEFAULT '',
				resolved_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_reports_status ON reports(status, created_at);

			-- Points
			CREATE TABLE cms_ledger (
				id INTEGER PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				action TEXT NOT NULL,
				ref_key TEXT NOT NULL,
				points INTEGER NOT NULL,
				city TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				UNIQUE(user_id, action, ref_key)
			);

			CREATE TABLE user_badges (
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				badge TEXT NOT NULL,
				earned_at TIMESTAMP NOT NULL,
				PRIMARY KEY (user_id, badge)
			);

			-- In-app inbox
			CREATE TABLE notifications (
				id INTEGER PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				title TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				data TEXT,
				read_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_notifications_user ON notifications(user_id, created_at);

			CREATE TABLE push_tokens (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				platform TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				last_used_at TIMESTAMP
			);
			CREATE INDEX idx_push_tokens_user ON push_tokens(user_id);
		`,
	},
	{
		Version: 2,
		Name:    "notification_providers",
		SQL: `
			CREATE TABLE notification_providers (
				id INTEGER PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				type TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT 1,
				config TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE notification_log (
				id INTEGER PRIMARY KEY,
				provider TEXT NOT NULL,
				event_type TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL
			);
			CREATE INDEX idx_notification_log_created ON notification_log(created_at);
		`,
	},
	{
		Version: 3,
		Name:    "cms_ledger_user_index",
		SQL: `
			CREATE INDEX idx_cms_ledger_user ON cms_ledger(user_id, created_at);
			CREATE INDEX idx_reports_target ON reports(target_type, target_id, reporter_id, status);
		`,
	},
	{
		Version: 4,
		Name:    "unique_pending_connection_requests",
		SQL: `
			DELETE FROM connection_requests WHERE status = 'pending' AND id NOT IN (
				SELECT MIN(id) FROM connection_requests WHERE status = 'pending' GROUP BY from_id, to_id
			);
			CREATE UNIQUE INDEX idx_connection_requests_pending ON connection_requests(from_id, to_id) WHERE status = 'pending';
		`,
	},
}
