package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Notification is an in-app inbox entry.
type Notification struct {
	ID        int64             `json:"id"`
	UserID    int64             `json:"user_id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// PushToken is an Expo device token.
type PushToken struct {
	Token      string
	UserID     int64
	Platform   string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// NotificationProvider represents an admin alert provider configuration
type NotificationProvider struct {
	ID        int64
	Name      string
	Type      string // discord, webhook
	Enabled   bool
	Config    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotificationLog represents a delivery attempt
type NotificationLog struct {
	ID        int64
	EventType string
	Provider  string
	Title     string
	Message   string
	Status    string
	Error     string
	CreatedAt time.Time
}

// CreateNotification stores an inbox entry and fills in its ID.
func (db *DB) CreateNotification(n *Notification) error {
	data, err := marshalToNullString(n.Data)
	if err != nil {
		return fmt.Errorf("failed to encode notification data: %w", err)
	}
	n.CreatedAt = db.Now()
	result, err := db.Exec(`
		INSERT INTO notifications (user_id, kind, title, body, data, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, n.UserID, n.Kind, n.Title, n.Body, data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	if n.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get notification id: %w", err)
	}
	return nil
}

// ListNotifications returns the user's inbox, newest first.
func (db *DB) ListNotifications(userID int64, unreadOnly bool, limit int) ([]*Notification, error) {
	query := "SELECT id, user_id, kind, title, body, data, read_at, created_at FROM notifications WHERE user_id = ?"
	if unreadOnly {
		query += " AND read_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"

	rows, err := db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		n := &Notification{}
		var data sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &data, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if err := unmarshalFromNullString(data, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to decode notification data: %w", err)
		}
		n.ReadAt = nullTimeToPtr(readAt)
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountUnreadNotifications returns the number of unread inbox entries.
func (db *DB) CountUnreadNotifications(userID int64) (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read_at IS NULL", userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// MarkNotificationsRead marks the given entries of the user read. With no ids
// every unread entry is marked.
func (db *DB) MarkNotificationsRead(userID int64, ids []int64) (int64, error) {
	query := "UPDATE notifications SET read_at = ? WHERE user_id = ? AND read_at IS NULL"
	args := []any{db.Now(), userID}
	if len(ids) > 0 {
		placeholders, idArgs := inClause(ids)
		query += " AND id IN (" + placeholders + ")"
		args = append(args, idArgs...)
	}
	result, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected()
}

// UpsertPushToken registers a device token, moving it to userID if another
// account held it.
func (db *DB) UpsertPushToken(userID int64, token, platform string) error {
	_, err := db.Exec(`
		INSERT INTO push_tokens (token, user_id, platform, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, platform = excluded.platform
	`, token, userID, platform, db.Now())
	if err != nil {
		return fmt.Errorf("failed to save push token: %w", err)
	}
	return nil
}

// DeletePushToken removes a token. A userID of 0 removes it regardless of owner.
func (db *DB) DeletePushToken(userID int64, token string) (bool, error) {
	var result sql.Result
	var err error
	if userID == 0 {
		result, err = db.Exec("DELETE FROM push_tokens WHERE token = ?", token)
	} else {
		result, err = db.Exec("DELETE FROM push_tokens WHERE token = ? AND user_id = ?", token, userID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete push token: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListPushTokens returns the user's device tokens.
func (db *DB) ListPushTokens(userID int64) ([]string, error) {
	rows, err := db.Query("SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// TouchPushTokens records a successful delivery to tokens.
func (db *DB) TouchPushTokens(tokens []string) error {
	now := db.Now()
	for _, t := range tokens {
		if _, err := db.Exec("UPDATE push_tokens SET last_used_at = ? WHERE token = ?", now, t); err != nil {
			return fmt.Errorf("failed to touch push token: %w", err)
		}
	}
	return nil
}

func scanProvider(row rowScanner) (*NotificationProvider, error) {
	p := &NotificationProvider{}
	var configJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Enabled, &configJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &p.Config); err != nil {
		p.Config = make(map[string]string)
	}
	return p, nil
}

// CreateNotificationProvider creates a new alert provider
func (db *DB) CreateNotificationProvider(p *NotificationProvider) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}

	result, err := db.Exec(`
		INSERT INTO notification_providers (name, type, enabled, config)
		VALUES (?, ?, ?, ?)
	`, p.Name, p.Type, p.Enabled, string(configJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create notification provider: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// GetNotificationProviderByName retrieves a provider by name
func (db *DB) GetNotificationProviderByName(name string) (*NotificationProvider, error) {
	p, err := scanProvider(db.QueryRow(`
		SELECT id, name, type, enabled, config, created_at, updated_at
		FROM notification_providers
		WHERE name = ?
	`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification provider: %w", err)
	}
	return p, nil
}

// UpdateNotificationProvider updates an alert provider
func (db *DB) UpdateNotificationProvider(p *NotificationProvider) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		UPDATE notification_providers
		SET name = ?, type = ?, enabled = ?, config = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, p.Name, p.Type, p.Enabled, string(configJSON), p.ID)
	return err
}

// ListEnabledNotificationProviders returns enabled alert providers
func (db *DB) ListEnabledNotificationProviders() ([]*NotificationProvider, error) {
	rows, err := db.Query(`
		SELECT id, name, type, enabled, config, created_at, updated_at
		FROM notification_providers
		WHERE enabled = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*NotificationProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	return providers, rows.Err()
}

// ListNotificationProviders returns every alert provider.
func (db *DB) ListNotificationProviders() ([]*NotificationProvider, error) {
	rows, err := db.Query(`
		SELECT id, name, type, enabled, config, created_at, updated_at
		FROM notification_providers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := []*NotificationProvider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// DeleteNotificationProvider removes a provider by name
func (db *DB) DeleteNotificationProvider(name string) (bool, error) {
	result, err := db.Exec("DELETE FROM notification_providers WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("failed to delete notification provider: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// LogNotification records a delivery attempt
func (db *DB) LogNotification(entry *NotificationLog) error {
	entry.CreatedAt = db.Now()
	_, err := db.Exec(`
		INSERT INTO notification_log (event_type, provider, title, message, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.EventType, entry.Provider, entry.Title, entry.Message, entry.Status, entry.Error, entry.CreatedAt)
	return err
}

// ListNotificationLogs returns recent delivery attempts
func (db *DB) ListNotificationLogs(limit int) ([]*NotificationLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT id, event_type, provider, title, message, status, error, created_at
		FROM notification_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		l := &NotificationLog{}
		if err := rows.Scan(&l.ID, &l.EventType, &l.Provider, &l.Title, &l.Message, &l.Status, &l.Error, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}

// ClearNotificationLogs deletes delivery attempts older than cutoff
func (db *DB) ClearNotificationLogs(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM notification_log WHERE created_at < ?", dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
