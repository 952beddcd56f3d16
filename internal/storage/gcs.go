package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"

	"github.com/crewmate/crewmate/internal/gcloud"
)

// GCS stores objects in a Cloud Storage bucket with public read access.
type GCS struct {
	svc     *gcs.Service
	bucket  string
	retrier *gcloud.Retrier
}

// NewGCS authenticates with a service account JSON key.
func NewGCS(ctx context.Context, bucket, credentialsJSON string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("missing bucket name")
	}
	client, err := gcloud.ServiceAccountClient(ctx, "gcs", credentialsJSON, gcs.DevstorageReadWriteScope)
	if err != nil {
		return nil, fmt.Errorf("failed to load GCS credentials: %w", err)
	}
	svc, err := gcs.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{svc: svc, bucket: bucket, retrier: gcloud.NewRetrier("gcs", 50*time.Millisecond, 4)}, nil
}

// Put uploads r as key. The body is buffered so failed attempts can be retried.
func (g *GCS) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if _, err := cleanKey(key); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read object: %w", err)
	}

	obj, err := gcloud.Do(ctx, g.retrier, "objects.insert", func() (*gcs.Object, error) {
		return g.svc.Objects.Insert(g.bucket, &gcs.Object{
			Name:         key,
			ContentType:  contentType,
			CacheControl: "public, max-age=31536000",
		}).Media(bytes.NewReader(data), googleapi.ContentType(contentType)).Context(ctx).Do()
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return publicURL(g.bucket, obj.Name), nil
}

func publicURL(bucket, name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "https://storage.googleapis.com/" + bucket + "/" + strings.Join(parts, "/")
}
