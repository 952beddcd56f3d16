package database

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord represents a bearer session.
type SessionRecord struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CreateSession inserts a new session record.
func (db *DB) CreateSession(id string, userID int64, expiresAt time.Time) (*SessionRecord, error) {
	now := db.Now()
	_, err := db.Exec(`
		INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, id, userID, dbTime(expiresAt), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &SessionRecord{
		ID:        id,
		UserID:    userID,
		ExpiresAt: dbTime(expiresAt),
		CreatedAt: now,
	}, nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*SessionRecord, error) {
	s := &SessionRecord{}
	err := db.QueryRow(`
		SELECT id, user_id, expires_at, created_at
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

// DeleteSession removes a session by ID.
func (db *DB) DeleteSession(id string) error {
	if _, err := db.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions removes all sessions of a user except keepID.
func (db *DB) DeleteUserSessions(userID int64, keepID string) (int64, error) {
	result, err := db.Exec("DELETE FROM sessions WHERE user_id = ? AND id != ?", userID, keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return result.RowsAffected()
}

// ExtendSession updates a session's expiration time.
func (db *DB) ExtendSession(id string, expiresAt time.Time) error {
	if _, err := db.Exec("UPDATE sessions SET expires_at = ? WHERE id = ?", dbTime(expiresAt), id); err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (db *DB) DeleteExpiredSessions(now time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM sessions WHERE expires_at < ?", dbTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
