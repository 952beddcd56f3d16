package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/crewmate/crewmate/internal/logging"
)

var (
	// ErrUnknownSetting is returned when updating a key outside DefaultSettings.
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidSetting = errors.New("invalid setting value")
)

// DefaultSettings are seeded on startup for keys that have no value yet.
// Values are stored JSON encoded.
var DefaultSettings = map[string]any{
	"log.level":                         "info",
	"log.max_size_mb":                   logging.DefaultMaxSizeMB,
	"log.max_backups":                   logging.DefaultMaxBackups,
	"log.max_age_days":                  logging.DefaultMaxAgeDays,
	"log.compress":                      logging.DefaultCompress,
	"log.file_format":                   logging.DefaultFileFormat,
	"airports.data_path":                "",
	"verification.code_ttl_minutes":     10,
	"verification.min_interval_seconds": 60,
	"verification.max_sends_per_hour":   5,
	"verification.max_attempts":         5,
	"sessions.ttl_days":                 30,
}

// Setting is one stored key with its JSON value.
type Setting struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Default json.RawMessage `json:"default"`
}

// GetSetting returns the raw stored value, or "" when the key is unset.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores value under key as given.
func (db *DB) SetSetting(key, value string) error {
	if _, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, db.Now()); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// UpdateSetting validates value against the key's default and stores it.
// The JSON kind must match: strings stay strings, numbers stay numbers and
// booleans stay booleans.
func (db *DB) UpdateSetting(key string, value json.RawMessage) error {
	def, ok := DefaultSettings[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidSetting, key, err)
	}
	if want := jsonKind(normalize(def)); jsonKind(decoded) != want {
		return fmt.Errorf("%w for %s: expected %s", ErrInvalidSetting, key, want)
	}
	compact, _ := json.Marshal(decoded)
	return db.SetSetting(key, string(compact))
}

// ListSettings returns every known setting with its stored value, sorted by key.
func (db *DB) ListSettings() ([]Setting, error) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	stored := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		stored[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Setting, 0, len(DefaultSettings))
	for _, key := range slices.Sorted(maps.Keys(DefaultSettings)) {
		def, _ := json.Marshal(DefaultSettings[key])
		s := Setting{Key: key, Value: def, Default: def}
		if v, ok := stored[key]; ok && json.Valid([]byte(v)) {
			s.Value = json.RawMessage(v)
		}
		out = append(out, s)
	}
	return out, nil
}

// InitializeDefaults seeds every default whose key has no row yet.
func (db *DB) InitializeDefaults() error {
	return db.Transaction(func(tx *sql.Tx) error {
		now := db.Now()
		for key, value := range DefaultSettings {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode default %s: %w", key, err)
			}
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
				key, string(data), now,
			); err != nil {
				return fmt.Errorf("failed to seed setting %s: %w", key, err)
			}
		}
		return nil
	})
}

// normalize round-trips v through JSON so Go ints compare as float64.
func normalize(v any) any {
	data, _ := json.Marshal(v)
	var out any
	_ = json.Unmarshal(data, &out)
	return out
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "other"
	}
}
