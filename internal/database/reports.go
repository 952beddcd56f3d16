package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Report statuses
const (
	ReportOpen      = "open"
	ReportDismissed = "dismissed"
	ReportActioned  = "actioned"
)

// Report is a user complaint about content or another user.
type Report struct {
	ID             int64      `json:"id"`
	ReporterID     int64      `json:"reporter_id"`
	TargetType     string     `json:"target_type"`
	TargetID       int64      `json:"target_id"`
	Reason         string     `json:"reason"`
	Details        string     `json:"details,omitempty"`
	Status         string     `json:"status"`
	ResolvedBy     *int64     `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

const reportColumns = `id, reporter_id, target_type, target_id, reason, details, status, resolved_by,
	resolution_note, resolved_at, created_at`

func scanReport(row rowScanner) (*Report, error) {
	r := &Report{}
	var resolvedBy sql.NullInt64
	var resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ReporterID, &r.TargetType, &r.TargetID, &r.Reason, &r.Details, &r.Status,
		&resolvedBy, &r.ResolutionNote, &resolvedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ResolvedBy = nullInt64ToPtr(resolvedBy)
	r.ResolvedAt = nullTimeToPtr(resolvedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// CreateReport files an open report. It returns ErrDuplicate if the reporter
// already has an open report on the same target.
func (db *DB) CreateReport(r *Report) error {
	now := db.Now()
	return db.Transaction(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM reports WHERE target_type = ? AND target_id = ? AND reporter_id = ? AND status = 'open'
		`, r.TargetType, r.TargetID, r.ReporterID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check open reports: %w", err)
		}
		if n > 0 {
			return ErrDuplicate
		}
		result, err := tx.Exec(`
			INSERT INTO reports (reporter_id, target_type, target_id, reason, details, status, created_at)
			VALUES (?, ?, ?, ?, ?, 'open', ?)
		`, r.ReporterID, r.TargetType, r.TargetID, r.Reason, r.Details, now)
		if err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		if r.ID, err = result.LastInsertId(); err != nil {
			return err
		}
		r.Status = ReportOpen
		r.CreatedAt = now
		return nil
	})
}

// GetReport retrieves a report by ID.
func (db *DB) GetReport(id int64) (*Report, error) {
	r, err := scanReport(db.QueryRow("SELECT "+reportColumns+" FROM reports WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListReports returns reports with the given status (all when empty), oldest first.
func (db *DB) ListReports(status string, limit, offset int) ([]*Report, error) {
	query := "SELECT " + reportColumns + " FROM reports"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	out := []*Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountOpenReports returns the number of unresolved reports.
func (db *DB) CountOpenReports() (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM reports WHERE status = 'open'").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count reports: %w", err)
	}
	return n, nil
}

// ResolveReport closes an open report. It returns false if it was already closed.
func (db *DB) ResolveReport(id int64, status string, adminID int64, note string) (bool, error) {
	result, err := db.Exec(`
		UPDATE reports SET status = ?, resolved_by = ?, resolution_note = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'
	`, status, adminID, note, db.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve report: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
