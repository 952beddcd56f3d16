package database

import (
	"database/sql"
	"fmt"
	"time"
)

// CMSStats are the counters level and badge rules are evaluated against.
type CMSStats struct {
	Points        int
	Level         int
	ActionCounts  map[string]int
	CheckinCities int
	Badges        map[string]time.Time
}

// CMSAwardResult describes the outcome of AwardCMS.
type CMSAwardResult struct {
	Duplicate    bool
	PointsBefore int
	PointsAfter  int
	LevelBefore  int
	LevelAfter   int
	NewBadges    []string
}

// CMSEvaluator maps counters to a level and the full set of earned badges.
type CMSEvaluator func(stats CMSStats) (level int, earned []string)

// LedgerEntry is one row of a user's points history.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	RefKey    string    `json:"ref_key"`
	Points    int       `json:"points"`
	City      string    `json:"city,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AwardCMS appends a ledger entry, updates the user's total and level and
// records newly earned badges, all inside one transaction. A repeated
// (user, action, refKey) leaves everything untouched and reports Duplicate.
func (db *DB) AwardCMS(userID int64, action, refKey string, points int, city string, eval CMSEvaluator) (*CMSAwardResult, error) {
	now := db.Now()
	res := &CMSAwardResult{}
	err := db.Transaction(func(tx *sql.Tx) error {
		if err := tx.QueryRow("SELECT cms_points, cms_level FROM users WHERE id = ?", userID).Scan(&res.PointsBefore, &res.LevelBefore); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("user %d not found", userID)
			}
			return fmt.Errorf("failed to read points: %w", err)
		}

		result, err := tx.Exec(`
			INSERT OR IGNORE INTO cms_ledger (user_id, action, ref_key, points, city, created_at) VALUES (?, ?, ?, ?, ?, ?)
		`, userID, action, refKey, points, city, now)
		if err != nil {
			return fmt.Errorf("failed to append ledger: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			res.Duplicate = true
			res.PointsAfter = res.PointsBefore
			res.LevelAfter = res.LevelBefore
			return nil
		}

		stats, err := loadCMSStats(tx, userID)
		if err != nil {
			return err
		}
		level, earned := eval(stats)

		if _, err := tx.Exec("UPDATE users SET cms_points = ?, cms_level = ? WHERE id = ?", stats.Points, level, userID); err != nil {
			return fmt.Errorf("failed to update points: %w", err)
		}
		for _, badge := range earned {
			if _, ok := stats.Badges[badge]; ok {
				continue
			}
			if _, err := tx.Exec("INSERT INTO user_badges (user_id, badge, earned_at) VALUES (?, ?, ?)", userID, badge, now); err != nil {
				return fmt.Errorf("failed to insert badge: %w", err)
			}
			res.NewBadges = append(res.NewBadges, badge)
		}
		res.PointsAfter = stats.Points
		res.LevelAfter = level
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// loadCMSStats derives the counters from the ledger so totals never drift.
func loadCMSStats(q queryRower, userID int64) (CMSStats, error) {
	stats := CMSStats{ActionCounts: map[string]int{}, Badges: map[string]time.Time{}}

	if err := q.QueryRow("SELECT cms_level FROM users WHERE id = ?", userID).Scan(&stats.Level); err != nil {
		return stats, fmt.Errorf("failed to read level: %w", err)
	}
	if err := q.QueryRow("SELECT COALESCE(SUM(points), 0) FROM cms_ledger WHERE user_id = ?", userID).Scan(&stats.Points); err != nil {
		return stats, fmt.Errorf("failed to sum points: %w", err)
	}
	if err := q.QueryRow(`
		SELECT COUNT(DISTINCT city) FROM cms_ledger WHERE user_id = ? AND action = 'checkin' AND city != ''
	`, userID).Scan(&stats.CheckinCities); err != nil {
		return stats, fmt.Errorf("failed to count cities: %w", err)
	}

	rows, err := q.Query("SELECT action, COUNT(*) FROM cms_ledger WHERE user_id = ? GROUP BY action", userID)
	if err != nil {
		return stats, fmt.Errorf("failed to count actions: %w", err)
	}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ActionCounts[action] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = q.Query("SELECT badge, earned_at FROM user_badges WHERE user_id = ?", userID)
	if err != nil {
		return stats, fmt.Errorf("failed to list badges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var badge string
		var at time.Time
		if err := rows.Scan(&badge, &at); err != nil {
			return stats, err
		}
		stats.Badges[badge] = at.UTC()
	}
	return stats, rows.Err()
}

// GetCMSStats returns the user's current counters.
func (db *DB) GetCMSStats(userID int64) (CMSStats, error) {
	return loadCMSStats(db, userID)
}

// ListCMSHistory returns the user's ledger, newest first.
func (db *DB) ListCMSHistory(userID int64, limit int) ([]LedgerEntry, error) {
	rows, err := db.Query(`
		SELECT id, action, ref_key, points, city, created_at FROM cms_ledger
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cms history: %w", err)
	}
	defer rows.Close()

	out := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.RefKey, &e.Points, &e.City, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
