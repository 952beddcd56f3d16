package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables holding secrets and deployment wiring.
const (
	EnvPort              = "PORT"
	EnvDBPath            = "DB_PATH"
	EnvExpoAccessToken   = "EXPO_ACCESS_TOKEN"
	EnvGoogleAPIKey      = "GOOGLE_PLACES_API_KEY"
	EnvGCSBucket         = "GCS_BUCKET"
	EnvGCSCredentials    = "GCS_CREDENTIALS_JSON"
	EnvMediaDir          = "MEDIA_DIR"
	EnvPublicBaseURL     = "PUBLIC_BASE_URL"
	EnvSMTPHost          = "SMTP_HOST"
	EnvSMTPPort          = "SMTP_PORT"
	EnvSMTPUsername      = "SMTP_USERNAME"
	EnvSMTPPassword      = "SMTP_PASSWORD"
	EnvSMTPFrom          = "SMTP_FROM"
	EnvDiscordWebhookURL = "DISCORD_WEBHOOK_URL"
)

// LoadEnvFile loads KEY=value pairs from path into the process environment.
// Variables already set are not overridden and a missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// EnvString returns the variable or defaultVal when unset.
func EnvString(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultVal
}

// EnvInt returns the variable as an int or defaultVal when unset or invalid.
func EnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// SMTPConfig describes the outgoing mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// SMTPFromEnv reads the SMTP relay settings.
func SMTPFromEnv() SMTPConfig {
	return SMTPConfig{
		Host:     EnvString(EnvSMTPHost, ""),
		Port:     EnvInt(EnvSMTPPort, 587),
		Username: EnvString(EnvSMTPUsername, ""),
		Password: EnvString(EnvSMTPPassword, ""),
		From:     EnvString(EnvSMTPFrom, ""),
	}
}
