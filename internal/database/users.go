package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UserRecord represents a crew account.
type UserRecord struct {
	ID              int64
	Email           string
	PasswordHash    string
	DisplayName     string
	Airline         string
	Role            string
	BaseAirport     string
	Bio             string
	PhotoURL        string
	ReferralCode    string
	ReferredBy      *int64
	IsAdmin         bool
	Banned          bool
	EmailVerifiedAt *time.Time
	CMSPoints       int
	CMSLevel        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmailVerified reports whether the user confirmed their address.
func (u *UserRecord) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// UserSummary is the public card shown in lists.
type UserSummary struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Airline     string `json:"airline,omitempty"`
	Role        string `json:"role,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
	CMSLevel    int    `json:"cms_level"`
}

const userColumns = `id, email, password_hash, display_name, COALESCE(airline, ''), COALESCE(role, ''),
	COALESCE(base_airport, ''), COALESCE(bio, ''), COALESCE(photo_url, ''), referral_code, referred_by,
	is_admin, banned, email_verified_at, cms_points, cms_level, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*UserRecord, error) {
	u := &UserRecord{}
	var referredBy sql.NullInt64
	var verifiedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Airline, &u.Role,
		&u.BaseAirport, &u.Bio, &u.PhotoURL, &u.ReferralCode, &referredBy,
		&u.IsAdmin, &u.Banned, &verifiedAt, &u.CMSPoints, &u.CMSLevel, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.ReferredBy = nullInt64ToPtr(referredBy)
	u.EmailVerifiedAt = nullTimeToPtr(verifiedAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func scanSummary(row rowScanner) (UserSummary, error) {
	var s UserSummary
	err := row.Scan(&s.ID, &s.DisplayName, &s.Airline, &s.Role, &s.PhotoURL, &s.CMSLevel)
	return s, err
}

const summaryColumns = `id, display_name, COALESCE(airline, ''), COALESCE(role, ''), COALESCE(photo_url, ''), cms_level`

// CreateUser inserts a new user. The first account ever created is an admin.
func (db *DB) CreateUser(u *UserRecord) error {
	now := db.Now()
	result, err := db.Exec(`
		INSERT INTO users (email, password_hash, display_name, referral_code, referred_by, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NOT EXISTS (SELECT 1 FROM users), ?, ?)
	`, u.Email, u.PasswordHash, u.DisplayName, u.ReferralCode, int64PtrArg(u.ReferredBy), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user id: %w", err)
	}

	created, err := db.GetUserByID(id)
	if err != nil {
		return err
	}
	*u = *created
	return nil
}

// GetUserByID retrieves a user by ID.
func (db *DB) GetUserByID(id int64) (*UserRecord, error) {
	u, err := scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by normalised email.
func (db *DB) GetUserByEmail(email string) (*UserRecord, error) {
	u, err := scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE email = ?", strings.ToLower(email)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByReferralCode resolves a referral code.
func (db *DB) GetUserByReferralCode(code string) (*UserRecord, error) {
	u, err := scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE referral_code = ?", strings.ToUpper(code)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by referral code: %w", err)
	}
	return u, nil
}

// ReferralCodeExists reports whether a code is taken.
func (db *DB) ReferralCodeExists(code string) (bool, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM users WHERE referral_code = ?", code).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check referral code: %w", err)
	}
	return n > 0, nil
}

// UpdateUserPassword updates the user's password hash.
func (db *DB) UpdateUserPassword(userID int64, passwordHash string) error {
	_, err := db.Exec("UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?", passwordHash, db.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// UpdateUserProfile writes the editable profile fields of u.
func (db *DB) UpdateUserProfile(u *UserRecord) error {
	u.UpdatedAt = db.Now()
	_, err := db.Exec(`
		UPDATE users SET display_name = ?, airline = ?, role = ?, base_airport = ?, bio = ?, photo_url = ?, updated_at = ?
		WHERE id = ?
	`, u.DisplayName, u.Airline, u.Role, u.BaseAirport, u.Bio, u.PhotoURL, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// SetEmailVerified records the verification time.
func (db *DB) SetEmailVerified(userID int64, at time.Time) error {
	_, err := db.Exec("UPDATE users SET email_verified_at = ?, updated_at = ? WHERE id = ?", dbTime(at), db.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return nil
}

// SetUserBanned toggles the banned flag.
func (db *DB) SetUserBanned(userID int64, banned bool) error {
	_, err := db.Exec("UPDATE users SET banned = ?, updated_at = ? WHERE id = ?", banned, db.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update banned flag: %w", err)
	}
	return nil
}

// SetUserAdmin toggles the admin flag.
func (db *DB) SetUserAdmin(userID int64, admin bool) error {
	_, err := db.Exec("UPDATE users SET is_admin = ?, updated_at = ? WHERE id = ?", admin, db.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update admin flag: %w", err)
	}
	return nil
}

// ListAdminIDs returns the ids of all active admins.
func (db *DB) ListAdminIDs() ([]int64, error) {
	return db.queryIDs("SELECT id FROM users WHERE is_admin = 1 AND banned = 0 ORDER BY id")
}

// GetUserSummaries loads public cards for ids, keyed by id.
func (db *DB) GetUserSummaries(ids []int64) (map[int64]UserSummary, error) {
	out := make(map[int64]UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := db.Query("SELECT "+summaryColumns+" FROM users WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user summary: %w", err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

// ReferralNode is one row of a referral tree level.
type ReferralNode struct {
	UserID     int64
	ReferredBy int64
	Verified   bool
	CreatedAt  time.Time
}

// ListReferredBy returns users whose referrer is one of parents, oldest first.
func (db *DB) ListReferredBy(parents []int64) ([]ReferralNode, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(parents)
	rows, err := db.Query(`
		SELECT id, referred_by, email_verified_at IS NOT NULL, created_at
		FROM users WHERE referred_by IN (`+placeholders+`)
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	var nodes []ReferralNode
	for rows.Next() {
		var n ReferralNode
		if err := rows.Scan(&n.UserID, &n.ReferredBy, &n.Verified, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		n.CreatedAt = n.CreatedAt.UTC()
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ReferrerCount is a user with their number of direct referrals.
type ReferrerCount struct {
	UserID    int64
	Direct    int
	CreatedAt time.Time
}

// ListReferrerCounts returns every user with at least one direct referral.
func (db *DB) ListReferrerCounts() ([]ReferrerCount, error) {
	rows, err := db.Query(`
		SELECT r.id, COUNT(u.id), r.created_at
		FROM users u JOIN users r ON r.id = u.referred_by
		WHERE r.banned = 0
		GROUP BY r.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrer counts: %w", err)
	}
	defer rows.Close()

	var out []ReferrerCount
	for rows.Next() {
		var rc ReferrerCount
		if err := rows.Scan(&rc.UserID, &rc.Direct, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referrer count: %w", err)
		}
		rc.CreatedAt = rc.CreatedAt.UTC()
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (db *DB) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// inClause builds "?,?,?" and the matching argument list.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
