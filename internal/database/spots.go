package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Spot statuses
const (
	SpotStatusPending  = "pending"
	SpotStatusApproved = "approved"
	SpotStatusRejected = "rejected"
)

// Spot is a user-submitted point of interest.
type Spot struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	AirportCode  string     `json:"airport_code"`
	City         string     `json:"city"`
	Address      string     `json:"address,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Description  string     `json:"description,omitempty"`
	Tip          string     `json:"tip,omitempty"`
	PhotoURL     string     `json:"photo_url,omitempty"`
	Status       string     `json:"status"`
	RejectReason string     `json:"reject_reason,omitempty"`
	SubmittedBy  *int64     `json:"submitted_by,omitempty"`
	ReviewedBy   *int64     `json:"-"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	RatingSum    int        `json:"-"`
	ReviewCount  int        `json:"review_count"`
	CheckinCount int        `json:"checkin_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AverageRating returns the mean review rating, 0 without reviews.
func (s *Spot) AverageRating() float64 {
	if s.ReviewCount == 0 {
		return 0
	}
	return float64(s.RatingSum) / float64(s.ReviewCount)
}

const spotColumns = `id, name, category, airport_code, city, address, latitude, longitude, description, tip,
	photo_url, status, reject_reason, submitted_by, reviewed_by, reviewed_at, rating_sum, review_count,
	checkin_count, created_at, updated_at`

func scanSpot(row rowScanner) (*Spot, error) {
	s := &Spot{}
	var lat, lon sql.NullFloat64
	var submittedBy, reviewedBy sql.NullInt64
	var reviewedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.Category, &s.AirportCode, &s.City, &s.Address, &lat, &lon,
		&s.Description, &s.Tip, &s.PhotoURL, &s.Status, &s.RejectReason, &submittedBy, &reviewedBy,
		&reviewedAt, &s.RatingSum, &s.ReviewCount, &s.CheckinCount, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Latitude = nullFloat64ToPtr(lat)
	s.Longitude = nullFloat64ToPtr(lon)
	s.SubmittedBy = nullInt64ToPtr(submittedBy)
	s.ReviewedBy = nullInt64ToPtr(reviewedBy)
	s.ReviewedAt = nullTimeToPtr(reviewedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// CreateSpot inserts a pending spot and fills in its ID and timestamps.
func (db *DB) CreateSpot(s *Spot) error {
	now := db.Now()
	if s.Status == "" {
		s.Status = SpotStatusPending
	}
	result, err := db.Exec(`
		INSERT INTO spots (name, category, airport_code, city, address, latitude, longitude, description, tip,
			photo_url, status, submitted_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Name, s.Category, s.AirportCode, s.City, s.Address, float64PtrArg(s.Latitude), float64PtrArg(s.Longitude),
		s.Description, s.Tip, s.PhotoURL, s.Status, int64PtrArg(s.SubmittedBy), now, now)
	if err != nil {
		return fmt.Errorf("failed to create spot: %w", err)
	}
	if s.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get spot id: %w", err)
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// GetSpot retrieves a spot by ID.
func (db *DB) GetSpot(id int64) (*Spot, error) {
	s, err := scanSpot(db.QueryRow("SELECT "+spotColumns+" FROM spots WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spot: %w", err)
	}
	return s, nil
}

// ReviewSpot moves a pending spot to approved or rejected.
// It returns false when the spot is no longer pending.
func (db *DB) ReviewSpot(id int64, status string, reviewerID int64, reason string) (bool, error) {
	now := db.Now()
	result, err := db.Exec(`
		UPDATE spots SET status = ?, reject_reason = ?, reviewed_by = ?, reviewed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, reason, reviewerID, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to review spot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SpotFilter narrows ListSpots.
type SpotFilter struct {
	City     string
	Category string
	Status   string
	Limit    int
	Offset   int
}

// ListSpots returns spots ordered by average rating, review count and name.
func (db *DB) ListSpots(f SpotFilter) ([]*Spot, error) {
	var where []string
	var args []any
	if f.City != "" {
		where = append(where, "city = ? COLLATE NOCASE")
		args = append(args, f.City)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := "SELECT " + spotColumns + " FROM spots"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE WHEN review_count = 0 THEN 0 ELSE CAST(rating_sum AS REAL) / review_count END DESC,
		review_count DESC, name COLLATE NOCASE, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list spots: %w", err)
	}
	defer rows.Close()

	var out []*Spot
	for rows.Next() {
		s, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListPendingSpots returns the moderation queue, oldest first.
func (db *DB) ListPendingSpots(limit, offset int) ([]*Spot, error) {
	rows, err := db.Query("SELECT "+spotColumns+" FROM spots WHERE status = 'pending' ORDER BY created_at, id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending spots: %w", err)
	}
	defer rows.Close()

	var out []*Spot
	for rows.Next() {
		s, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSpotsMissingPhoto returns approved spots with no photo.
func (db *DB) ListSpotsMissingPhoto(limit int) ([]*Spot, error) {
	rows, err := db.Query("SELECT "+spotColumns+" FROM spots WHERE status = 'approved' AND photo_url = '' ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list spots without photo: %w", err)
	}
	defer rows.Close()

	var out []*Spot
	for rows.Next() {
		s, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSpotPhoto updates the spot's photo URL.
func (db *DB) SetSpotPhoto(id int64, url string) error {
	if _, err := db.Exec("UPDATE spots SET photo_url = ?, updated_at = ? WHERE id = ?", url, db.Now(), id); err != nil {
		return fmt.Errorf("failed to set spot photo: %w", err)
	}
	return nil
}

// RecordCheckinIfDue stores a check-in and bumps the spot counter unless the
// user checked in at the spot less than interval ago. In that case nothing is
// written and the time of the next allowed check-in is returned.
func (db *DB) RecordCheckinIfDue(spotID, userID int64, interval time.Duration) (retryAt *time.Time, err error) {
	now := db.Now()
	err = db.Transaction(func(tx *sql.Tx) error {
		var last time.Time
		err := tx.QueryRow(`
			SELECT created_at FROM spot_checkins WHERE user_id = ? AND spot_id = ?
			ORDER BY created_at DESC LIMIT 1
		`, userID, spotID).Scan(&last)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("failed to get last checkin: %w", err)
		case now.Sub(last) < interval:
			at := last.UTC().Add(interval)
			retryAt = &at
			return nil
		}

		if _, err := tx.Exec("INSERT INTO spot_checkins (spot_id, user_id, created_at) VALUES (?, ?, ?)", spotID, userID, now); err != nil {
			return fmt.Errorf("failed to record checkin: %w", err)
		}
		if _, err := tx.Exec("UPDATE spots SET checkin_count = checkin_count + 1 WHERE id = ?", spotID); err != nil {
			return fmt.Errorf("failed to update checkin count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retryAt, nil
}

// Review is a rating left on a spot.
type Review struct {
	ID        int64     `json:"id"`
	SpotID    int64     `json:"spot_id"`
	UserID    int64     `json:"user_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertReview writes the user's review and keeps the spot aggregates in step.
// created is true when this is the user's first review of the spot.
func (db *DB) UpsertReview(r *Review) (created bool, err error) {
	now := db.Now()
	err = db.Transaction(func(tx *sql.Tx) error {
		var oldRating int
		var id int64
		err := tx.QueryRow("SELECT id, rating FROM spot_reviews WHERE spot_id = ? AND user_id = ?", r.SpotID, r.UserID).Scan(&id, &oldRating)
		switch {
		case err == sql.ErrNoRows:
			result, err := tx.Exec(`
				INSERT INTO spot_reviews (spot_id, user_id, rating, comment, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, r.SpotID, r.UserID, r.Rating, r.Comment, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert review: %w", err)
			}
			if r.ID, err = result.LastInsertId(); err != nil {
				return err
			}
			r.CreatedAt = now
			if _, err := tx.Exec("UPDATE spots SET rating_sum = rating_sum + ?, review_count = review_count + 1 WHERE id = ?", r.Rating, r.SpotID); err != nil {
				return fmt.Errorf("failed to update spot rating: %w", err)
			}
			created = true
		case err != nil:
			return fmt.Errorf("failed to get review: %w", err)
		default:
			r.ID = id
			if _, err := tx.Exec("UPDATE spot_reviews SET rating = ?, comment = ?, updated_at = ? WHERE id = ?", r.Rating, r.Comment, now, id); err != nil {
				return fmt.Errorf("failed to update review: %w", err)
			}
			if _, err := tx.Exec("UPDATE spots SET rating_sum = rating_sum + ? WHERE id = ?", r.Rating-oldRating, r.SpotID); err != nil {
				return fmt.Errorf("failed to update spot rating: %w", err)
			}
		}
		r.UpdatedAt = now
		return nil
	})
	return created, err
}

// GetReview retrieves a review by ID.
func (db *DB) GetReview(id int64) (*Review, error) {
	r := &Review{}
	err := db.QueryRow(`
		SELECT id, spot_id, user_id, rating, comment, created_at, updated_at FROM spot_reviews WHERE id = ?
	`, id).Scan(&r.ID, &r.SpotID, &r.UserID, &r.Rating, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

// ListReviews returns a spot's reviews, newest first.
func (db *DB) ListReviews(spotID int64, limit int) ([]Review, error) {
	rows, err := db.Query(`
		SELECT id, spot_id, user_id, rating, comment, created_at, updated_at
		FROM spot_reviews WHERE spot_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?
	`, spotID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.SpotID, &r.UserID, &r.Rating, &r.Comment, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
