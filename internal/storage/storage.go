// Package storage stores uploaded images and returns their public URLs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/config"
)

// MaxUploadBytes is the largest accepted image.
const MaxUploadBytes = 5 << 20

var (
	ErrTooLarge        = errors.New("upload exceeds 5 MB")
	ErrEmpty           = errors.New("upload is empty")
	ErrUnsupportedType = errors.New("only JPEG, PNG and WebP images are accepted")
	ErrInvalidKey      = errors.New("invalid object key")
)

var imageExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Backend persists an object and returns the URL it is served from.
type Backend interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// Uploader validates images before handing them to a Backend.
type Uploader struct {
	backend  Backend
	maxBytes int64
}

// NewUploader wraps backend.
func NewUploader(backend Backend) *Uploader {
	return &Uploader{backend: backend, maxBytes: MaxUploadBytes}
}

// Upload stores an image under kind/<uuid>.<ext>, sniffing the type from
// its content.
func (u *Uploader) Upload(ctx context.Context, kind string, r io.Reader) (string, error) {
	if !kindPattern.MatchString(kind) {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidKey, kind)
	}

	data, err := io.ReadAll(io.LimitReader(r, u.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > u.maxBytes {
		return "", ErrTooLarge
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}

	contentType := http.DetectContentType(data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}

	key := fmt.Sprintf("%s/%s.%s", kind, uuid.NewString(), ext)
	url, err := u.backend.Put(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	log.Info().Str("key", key).Str("content_type", contentType).Int("bytes", len(data)).Msg("Image stored")
	return url, nil
}

// Config selects and configures a backend.
type Config struct {
	GCSBucket      string
	GCSCredentials string
	MediaDir       string
	PublicBaseURL  string
}

// ConfigFromEnv reads the backend settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		GCSBucket:      config.EnvString(config.EnvGCSBucket, ""),
		GCSCredentials: config.EnvString(config.EnvGCSCredentials, ""),
		MediaDir:       config.EnvString(config.EnvMediaDir, "media"),
		PublicBaseURL:  config.EnvString(config.EnvPublicBaseURL, ""),
	}
}

// Open returns the GCS backend when a bucket is configured and the local
// directory backend otherwise. local is nil for GCS.
func Open(ctx context.Context, cfg Config) (backend Backend, local *Local, err error) {
	if cfg.GCSBucket != "" {
		g, err := NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentials)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("bucket", cfg.GCSBucket).Msg("Storing uploads in Cloud Storage")
		return g, nil, nil
	}
	l, err := NewLocal(cfg.MediaDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("dir", cfg.MediaDir).Msg("Storing uploads on local disk")
	return l, l, nil
}
