package database

import (
	"database/sql"
	"fmt"
	"time"
)

// VerificationCode is a hashed one-time email code.
type VerificationCode struct {
	ID          int64
	UserID      int64
	CodeHash    string
	ExpiresAt   time.Time
	Attempts    int
	UsedAt      *time.Time
	Invalidated bool
	CreatedAt   time.Time
}

// CreateVerificationCode invalidates earlier unused codes of the user,
// stores the new one and records the send, all in one transaction.
func (db *DB) CreateVerificationCode(userID int64, codeHash string, expiresAt time.Time) (*VerificationCode, error) {
	now := db.Now()
	code := &VerificationCode{
		UserID:    userID,
		CodeHash:  codeHash,
		ExpiresAt: dbTime(expiresAt),
		CreatedAt: now,
	}

	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE verification_codes SET invalidated = 1
			WHERE user_id = ? AND used_at IS NULL AND invalidated = 0
		`, userID); err != nil {
			return fmt.Errorf("failed to invalidate previous codes: %w", err)
		}

		result, err := tx.Exec(`
			INSERT INTO verification_codes (user_id, code_hash, expires_at, created_at)
			VALUES (?, ?, ?, ?)
		`, userID, codeHash, code.ExpiresAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert verification code: %w", err)
		}
		if code.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get verification code id: %w", err)
		}

		if _, err := tx.Exec("INSERT INTO verification_sends (user_id, sent_at) VALUES (?, ?)", userID, now); err != nil {
			return fmt.Errorf("failed to record verification send: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

// GetActiveVerificationCode returns the newest code that is neither used nor invalidated.
// Expired codes are still returned so callers can tell "expired" from "missing".
func (db *DB) GetActiveVerificationCode(userID int64) (*VerificationCode, error) {
	c := &VerificationCode{}
	var usedAt sql.NullTime
	err := db.QueryRow(`
		SELECT id, user_id, code_hash, expires_at, attempts, used_at, invalidated, created_at
		FROM verification_codes
		WHERE user_id = ? AND used_at IS NULL AND invalidated = 0
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, userID).Scan(&c.ID, &c.UserID, &c.CodeHash, &c.ExpiresAt, &c.Attempts, &usedAt, &c.Invalidated, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification code: %w", err)
	}
	c.UsedAt = nullTimeToPtr(usedAt)
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// IncrementVerificationAttempts bumps the attempt counter and returns the new value.
func (db *DB) IncrementVerificationAttempts(id int64) (int, error) {
	var attempts int
	err := db.QueryRow("UPDATE verification_codes SET attempts = attempts + 1 WHERE id = ? RETURNING attempts", id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

// InvalidateVerificationCode burns a code without using it.
func (db *DB) InvalidateVerificationCode(id int64) error {
	if _, err := db.Exec("UPDATE verification_codes SET invalidated = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to invalidate verification code: %w", err)
	}
	return nil
}

// DeleteVerificationCode removes a code, used when delivery failed.
func (db *DB) DeleteVerificationCode(id int64) error {
	if _, err := db.Exec("DELETE FROM verification_codes WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete verification code: %w", err)
	}
	return nil
}

// ConsumeVerificationCode marks the code used and the user verified atomically.
// It returns false when the code was already consumed concurrently.
func (db *DB) ConsumeVerificationCode(codeID, userID int64, at time.Time) (bool, error) {
	consumed := false
	err := db.Transaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			UPDATE verification_codes SET used_at = ?
			WHERE id = ? AND used_at IS NULL AND invalidated = 0
		`, dbTime(at), codeID)
		if err != nil {
			return fmt.Errorf("failed to mark code used: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.Exec("UPDATE users SET email_verified_at = ?, updated_at = ? WHERE id = ?", dbTime(at), dbTime(at), userID); err != nil {
			return fmt.Errorf("failed to mark email verified: %w", err)
		}
		consumed = true
		return nil
	})
	return consumed, err
}

// VerificationSendStats returns how many sends happened after since and the latest send time.
func (db *DB) VerificationSendStats(userID int64, since time.Time) (count int, last *time.Time, err error) {
	err = db.QueryRow("SELECT COUNT(*) FROM verification_sends WHERE user_id = ? AND sent_at > ?", userID, dbTime(since)).Scan(&count)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count verification sends: %w", err)
	}

	var lastSent time.Time
	err = db.QueryRow("SELECT sent_at FROM verification_sends WHERE user_id = ? ORDER BY sent_at DESC LIMIT 1", userID).Scan(&lastSent)
	if err == sql.ErrNoRows {
		return count, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get last verification send: %w", err)
	}
	lastSent = lastSent.UTC()
	return count, &lastSent, nil
}

// DeleteStaleVerification removes codes and send records created before cutoff.
func (db *DB) DeleteStaleVerification(cutoff time.Time) (int64, error) {
	var total int64
	err := db.Transaction(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM verification_codes WHERE created_at < ?",
			"DELETE FROM verification_sends WHERE sent_at < ?",
		} {
			result, err := tx.Exec(q, dbTime(cutoff))
			if err != nil {
				return fmt.Errorf("failed to delete stale verification rows: %w", err)
			}
			n, _ := result.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}
