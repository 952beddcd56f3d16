package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Layover is a crew member's current stay in a city.
type Layover struct {
	UserID      int64     `json:"user_id"`
	AirportCode string    `json:"airport_code"`
	City        string    `json:"city"`
	ArriveAt    time.Time `json:"arrive_at"`
	DepartAt    time.Time `json:"depart_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertLayover replaces the user's layover.
func (db *DB) UpsertLayover(l *Layover) error {
	l.UpdatedAt = db.Now()
	l.ArriveAt = dbTime(l.ArriveAt)
	l.DepartAt = dbTime(l.DepartAt)
	_, err := db.Exec(`
		INSERT INTO layovers (user_id, airport_code, city, arrive_at, depart_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			airport_code = excluded.airport_code,
			city = excluded.city,
			arrive_at = excluded.arrive_at,
			depart_at = excluded.depart_at,
			updated_at = excluded.updated_at
	`, l.UserID, l.AirportCode, l.City, l.ArriveAt, l.DepartAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save layover: %w", err)
	}
	return nil
}

// GetLayover returns the user's layover or nil.
func (db *DB) GetLayover(userID int64) (*Layover, error) {
	l := &Layover{}
	err := db.QueryRow(`
		SELECT user_id, airport_code, city, arrive_at, depart_at, updated_at
		FROM layovers WHERE user_id = ?
	`, userID).Scan(&l.UserID, &l.AirportCode, &l.City, &l.ArriveAt, &l.DepartAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get layover: %w", err)
	}
	normaliseLayover(l)
	return l, nil
}

// DeleteLayover clears the user's layover.
func (db *DB) DeleteLayover(userID int64) error {
	if _, err := db.Exec("DELETE FROM layovers WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete layover: %w", err)
	}
	return nil
}

// ListLayoversInCities returns layovers in any of cities that overlap at,
// excluding viewer and anyone blocked in either direction, soonest departure first.
func (db *DB) ListLayoversInCities(viewerID int64, cities []string, at time.Time) ([]Layover, error) {
	if len(cities) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(cities)+5)
	placeholders := ""
	for i, c := range cities {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, c)
	}
	now := dbTime(at)
	args = append(args, now, now, viewerID, viewerID, viewerID)

	rows, err := db.Query(`
		SELECT l.user_id, l.airport_code, l.city, l.arrive_at, l.depart_at, l.updated_at
		FROM layovers l JOIN users u ON u.id = l.user_id
		WHERE l.city IN (`+placeholders+`)
		  AND l.arrive_at <= ? AND l.depart_at > ?
		  AND u.banned = 0
		  AND l.user_id != ?
		  AND NOT EXISTS (SELECT 1 FROM blocks b WHERE b.blocker_id = ? AND b.blocked_id = l.user_id)
		  AND NOT EXISTS (SELECT 1 FROM blocks b WHERE b.blocker_id = l.user_id AND b.blocked_id = ?)
		ORDER BY l.depart_at, l.user_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list layovers: %w", err)
	}
	defer rows.Close()

	var out []Layover
	for rows.Next() {
		var l Layover
		if err := rows.Scan(&l.UserID, &l.AirportCode, &l.City, &l.ArriveAt, &l.DepartAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan layover: %w", err)
		}
		normaliseLayover(&l)
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteEndedLayovers removes layovers that departed before cutoff.
func (db *DB) DeleteEndedLayovers(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM layovers WHERE depart_at < ?", dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete ended layovers: %w", err)
	}
	return result.RowsAffected()
}

func normaliseLayover(l *Layover) {
	l.ArriveAt = l.ArriveAt.UTC()
	l.DepartAt = l.DepartAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
}
