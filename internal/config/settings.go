package config

import (
	"strconv"
	"strings"
	"time"
)

// SettingsGetter reads a raw setting value; an empty string means unset.
type SettingsGetter interface {
	GetSetting(key string) (string, error)
}

// Loader gives typed access to stored settings with fallbacks.
type Loader struct {
	db SettingsGetter
}

// NewLoader creates a settings loader backed by db.
func NewLoader(db SettingsGetter) *Loader {
	return &Loader{db: db}
}

func (l *Loader) raw(key string) string {
	if l == nil || l.db == nil {
		return ""
	}
	val, _ := l.db.GetSetting(key)
	// Values seeded from defaults are JSON encoded, so strings arrive quoted.
	return strings.Trim(val, `"`)
}

// Int returns the setting as an int, or defaultVal when missing or invalid.
func (l *Loader) Int(key string, defaultVal int) int {
	if val := l.raw(key); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			return v
		}
	}
	return defaultVal
}

// Bool returns true only for the literal "true".
func (l *Loader) Bool(key string, defaultVal bool) bool {
	if val := l.raw(key); val != "" {
		return val == "true"
	}
	return defaultVal
}

// String returns the setting, or defaultVal when empty.
func (l *Loader) String(key, defaultVal string) string {
	if val := l.raw(key); val != "" {
		return val
	}
	return defaultVal
}

// Duration parses Go duration syntax ("90s", "1h30m").
func (l *Loader) Duration(key string, defaultVal time.Duration) time.Duration {
	if val := l.raw(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// DurationMinutes reads a setting stored as whole minutes.
func (l *Loader) DurationMinutes(key string, defaultMinutes int) time.Duration {
	return time.Duration(l.Int(key, defaultMinutes)) * time.Minute
}

// Float64 returns the setting as a float64, or defaultVal when missing or invalid.
func (l *Loader) Float64(key string, defaultVal float64) float64 {
	if val := l.raw(key); val != "" {
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			return v
		}
	}
	return defaultVal
}
