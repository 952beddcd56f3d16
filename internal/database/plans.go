package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Plan statuses and visibilities
const (
	PlanStatusActive    = "active"
	PlanStatusCancelled = "cancelled"

	VisibilityPublic      = "public"
	VisibilityConnections = "connections"
	VisibilityInviteOnly  = "invite_only"
)

// Plan is a meetup hosted by a crew member.
type Plan struct {
	ID             int64      `json:"id"`
	HostID         int64      `json:"host_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	AirportCode    string     `json:"airport_code"`
	City           string     `json:"city"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Capacity       *int       `json:"capacity,omitempty"`
	Visibility     string     `json:"visibility"`
	Status         string     `json:"status"`
	ReminderSentAt *time.Time `json:"-"`
	AttendeeCount  int        `json:"attendee_count"`
	Stops          []PlanStop `json:"stops"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PlanStop is one ordered stop of a plan.
type PlanStop struct {
	Position int        `json:"position"`
	Name     string     `json:"name"`
	SpotID   *int64     `json:"spot_id,omitempty"`
	At       *time.Time `json:"at,omitempty"`
}

const planColumns = `p.id, p.host_id, p.title, p.description, p.airport_code, p.city, p.start_at, p.end_at,
	p.capacity, p.visibility, p.status, p.reminder_sent_at, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM plan_attendees a WHERE a.plan_id = p.id)`

func scanPlan(row rowScanner) (*Plan, error) {
	p := &Plan{}
	var endAt, reminderAt sql.NullTime
	var capacity sql.NullInt64
	err := row.Scan(&p.ID, &p.HostID, &p.Title, &p.Description, &p.AirportCode, &p.City, &p.StartAt, &endAt,
		&capacity, &p.Visibility, &p.Status, &reminderAt, &p.CreatedAt, &p.UpdatedAt, &p.AttendeeCount)
	if err != nil {
		return nil, err
	}
	p.StartAt = p.StartAt.UTC()
	p.EndAt = nullTimeToPtr(endAt)
	p.ReminderSentAt = nullTimeToPtr(reminderAt)
	if capacity.Valid {
		c := int(capacity.Int64)
		p.Capacity = &c
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (db *DB) scanPlans(query string, args ...any) ([]*Plan, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePlan stores the plan with its stops and adds the host as first attendee.
func (db *DB) CreatePlan(p *Plan) error {
	now := db.Now()
	if p.Status == "" {
		p.Status = PlanStatusActive
	}
	var capacity any
	if p.Capacity != nil {
		capacity = *p.Capacity
	}
	return db.Transaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO plans (host_id, title, description, airport_code, city, start_at, end_at, capacity,
				visibility, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.HostID, p.Title, p.Description, p.AirportCode, p.City, dbTime(p.StartAt), timePtrArg(p.EndAt), capacity,
			p.Visibility, p.Status, now, now)
		if err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		if p.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get plan id: %w", err)
		}

		for i := range p.Stops {
			p.Stops[i].Position = i + 1
			s := p.Stops[i]
			if _, err := tx.Exec(`
				INSERT INTO plan_stops (plan_id, position, name, spot_id, at) VALUES (?, ?, ?, ?, ?)
			`, p.ID, s.Position, s.Name, int64PtrArg(s.SpotID), timePtrArg(s.At)); err != nil {
				return fmt.Errorf("failed to insert plan stop: %w", err)
			}
		}

		if _, err := tx.Exec("INSERT INTO plan_attendees (plan_id, user_id, joined_at) VALUES (?, ?, ?)", p.ID, p.HostID, now); err != nil {
			return fmt.Errorf("failed to add host as attendee: %w", err)
		}

		p.AttendeeCount = 1
		p.StartAt = dbTime(p.StartAt)
		p.CreatedAt = now
		p.UpdatedAt = now
		return nil
	})
}

// GetPlan retrieves a plan and its stops.
func (db *DB) GetPlan(id int64) (*Plan, error) {
	p, err := scanPlan(db.QueryRow("SELECT "+planColumns+" FROM plans p WHERE p.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if p.Stops, err = db.ListPlanStops(id); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPlanStops returns a plan's stops in order.
func (db *DB) ListPlanStops(planID int64) ([]PlanStop, error) {
	rows, err := db.Query("SELECT position, name, spot_id, at FROM plan_stops WHERE plan_id = ? ORDER BY position", planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan stops: %w", err)
	}
	defer rows.Close()

	stops := []PlanStop{}
	for rows.Next() {
		var s PlanStop
		var spotID sql.NullInt64
		var at sql.NullTime
		if err := rows.Scan(&s.Position, &s.Name, &spotID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan plan stop: %w", err)
		}
		s.SpotID = nullInt64ToPtr(spotID)
		s.At = nullTimeToPtr(at)
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// IsAttendee reports whether the user attends the plan.
func (db *DB) IsAttendee(planID, userID int64) (bool, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM plan_attendees WHERE plan_id = ? AND user_id = ?", planID, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check attendee: %w", err)
	}
	return n > 0, nil
}

// IsInvited reports whether the user holds an invite to the plan.
func (db *DB) IsInvited(planID, userID int64) (bool, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM plan_invites WHERE plan_id = ? AND user_id = ?", planID, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check invite: %w", err)
	}
	return n > 0, nil
}

// ListAttendeeIDs returns the attendees of a plan in join order.
func (db *DB) ListAttendeeIDs(planID int64) ([]int64, error) {
	ids, err := db.queryIDs("SELECT user_id FROM plan_attendees WHERE plan_id = ? ORDER BY joined_at, user_id", planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendees: %w", err)
	}
	return ids, nil
}

// Join outcomes
const (
	JoinAdded = iota
	JoinAlreadyAttending
	JoinFull
)

// AddAttendee adds the user unless the plan is full. The capacity check and
// insert happen in one transaction.
func (db *DB) AddAttendee(planID, userID int64, capacity *int) (int, error) {
	outcome := JoinAdded
	err := db.Transaction(func(tx *sql.Tx) error {
		var exists, count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM plan_attendees WHERE plan_id = ? AND user_id = ?", planID, userID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check attendee: %w", err)
		}
		if exists > 0 {
			outcome = JoinAlreadyAttending
			return nil
		}
		if capacity != nil {
			if err := tx.QueryRow("SELECT COUNT(*) FROM plan_attendees WHERE plan_id = ?", planID).Scan(&count); err != nil {
				return fmt.Errorf("failed to count attendees: %w", err)
			}
			if count >= *capacity {
				outcome = JoinFull
				return nil
			}
		}
		if _, err := tx.Exec("INSERT INTO plan_attendees (plan_id, user_id, joined_at) VALUES (?, ?, ?)", planID, userID, db.Now()); err != nil {
			return fmt.Errorf("failed to add attendee: %w", err)
		}
		return nil
	})
	return outcome, err
}

// RemoveAttendee removes the user from a plan and reports whether they attended.
func (db *DB) RemoveAttendee(planID, userID int64) (bool, error) {
	result, err := db.Exec("DELETE FROM plan_attendees WHERE plan_id = ? AND user_id = ?", planID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove attendee: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// AddInvites records invites and returns the users newly invited.
func (db *DB) AddInvites(planID, invitedBy int64, userIDs []int64) ([]int64, error) {
	var added []int64
	now := db.Now()
	err := db.Transaction(func(tx *sql.Tx) error {
		for _, uid := range userIDs {
			result, err := tx.Exec(`
				INSERT OR IGNORE INTO plan_invites (plan_id, user_id, invited_by, created_at) VALUES (?, ?, ?, ?)
			`, planID, uid, invitedBy, now)
			if err != nil {
				return fmt.Errorf("failed to add invite: %w", err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				added = append(added, uid)
			}
		}
		return nil
	})
	return added, err
}

// CancelPlan marks an active plan cancelled. It returns false if it was not active.
func (db *DB) CancelPlan(id int64) (bool, error) {
	result, err := db.Exec("UPDATE plans SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'active'", db.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel plan: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// planVisibleTo restricts p to plans :viewer may see and whose host has no
// block with them in either direction.
const planVisibleTo = `(
	p.host_id = :viewer
	OR EXISTS (SELECT 1 FROM plan_attendees a WHERE a.plan_id = p.id AND a.user_id = :viewer)
	OR p.visibility = 'public'
	OR (p.visibility = 'connections' AND EXISTS (
		SELECT 1 FROM connections c WHERE c.user_a = MIN(p.host_id, :viewer) AND c.user_b = MAX(p.host_id, :viewer)))
	OR (p.visibility = 'invite_only' AND EXISTS (
		SELECT 1 FROM plan_invites i WHERE i.plan_id = p.id AND i.user_id = :viewer))
) AND NOT EXISTS (
	SELECT 1 FROM blocks b WHERE (b.blocker_id = p.host_id AND b.blocked_id = :viewer)
		OR (b.blocker_id = :viewer AND b.blocked_id = p.host_id)
)`

// ListUpcomingPlans returns active plans in city starting at or after now that
// the viewer can see, soonest first. An empty city lists every city.
func (db *DB) ListUpcomingPlans(viewerID int64, city string, limit int) ([]*Plan, error) {
	query := "SELECT " + planColumns + " FROM plans p WHERE p.status = 'active' AND p.start_at >= :now AND " + planVisibleTo
	args := []any{sql.Named("viewer", viewerID), sql.Named("now", db.Now())}
	if city != "" {
		query += " AND p.city = :city COLLATE NOCASE"
		args = append(args, sql.Named("city", city))
	}
	query += " ORDER BY p.start_at, p.id LIMIT :limit"
	args = append(args, sql.Named("limit", limit))
	return db.scanPlans(query, args...)
}

// ListUserPlans returns plans the user hosts or attends: upcoming first by
// start time, then past ones most recent first.
func (db *DB) ListUserPlans(userID int64) ([]*Plan, error) {
	return db.scanPlans(`
		SELECT `+planColumns+` FROM plans p
		WHERE p.host_id = :user OR EXISTS (SELECT 1 FROM plan_attendees a WHERE a.plan_id = p.id AND a.user_id = :user)
		ORDER BY CASE WHEN p.start_at >= :now THEN 0 ELSE 1 END,
			CASE WHEN p.start_at >= :now THEN p.start_at END ASC,
			p.start_at DESC, p.id
	`, sql.Named("user", userID), sql.Named("now", db.Now()))
}

// ListPlansDueReminder returns active plans starting in (now, until] that have
// not had a reminder yet.
func (db *DB) ListPlansDueReminder(until time.Time) ([]*Plan, error) {
	return db.scanPlans(`
		SELECT `+planColumns+` FROM plans p
		WHERE p.status = 'active' AND p.reminder_sent_at IS NULL AND p.start_at > ? AND p.start_at <= ?
		ORDER BY p.start_at, p.id
	`, db.Now(), dbTime(until))
}

// MarkReminderSent sets reminder_sent_at once. It returns false if already set.
func (db *DB) MarkReminderSent(id int64) (bool, error) {
	result, err := db.Exec("UPDATE plans SET reminder_sent_at = ? WHERE id = ? AND reminder_sent_at IS NULL", db.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
