// Package places fills in missing spot photos from Google Places.
package places

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	placesapi "google.golang.org/api/places/v1"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/gcloud"
	"github.com/crewmate/crewmate/internal/validate"
)

const (
	searchFieldMask = "places.id,places.photos"
	photoMaxWidth   = 1200
)

// PhotoFinder looks up a photo URL for a free-text place query. It returns
// an empty string when the place or its photos cannot be found.
type PhotoFinder interface {
	FindPhoto(ctx context.Context, query string) (string, error)
}

// Google resolves photos with the Places API (New).
type Google struct {
	svc     *placesapi.Service
	retrier *gcloud.Retrier
}

// NewGoogle creates a Places client authenticated with apiKey.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	client, err := gcloud.APIKeyClient("places", apiKey)
	if err != nil {
		return nil, err
	}
	svc, err := placesapi.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Places client: %w", err)
	}
	return &Google{svc: svc, retrier: gcloud.NewRetrier("places", 200*time.Millisecond, 3)}, nil
}

// FindPhoto runs a text search and resolves the first result's first photo.
func (g *Google) FindPhoto(ctx context.Context, query string) (string, error) {
	resp, err := gcloud.Do(ctx, g.retrier, "places.searchText", func() (*placesapi.GoogleMapsPlacesV1SearchTextResponse, error) {
		return g.svc.Places.SearchText(&placesapi.GoogleMapsPlacesV1SearchTextRequest{TextQuery: query}).
			Fields(googleapi.Field(searchFieldMask)).
			Context(ctx).
			Do()
	})
	if err != nil {
		return "", fmt.Errorf("text search failed: %w", err)
	}
	if len(resp.Places) == 0 || len(resp.Places[0].Photos) == 0 {
		return "", nil
	}

	photo := resp.Places[0].Photos[0]
	media, err := gcloud.Do(ctx, g.retrier, "photos.getMedia", func() (*placesapi.GoogleMapsPlacesV1PhotoMedia, error) {
		return g.svc.Places.Photos.GetMedia(photo.Name + "/media").
			MaxWidthPx(photoMaxWidth).
			SkipHttpRedirect(true).
			Context(ctx).
			Do()
	})
	if err != nil {
		return "", fmt.Errorf("photo lookup failed: %w", err)
	}
	return media.PhotoUri, nil
}

// Update is a photo assigned (or, in a dry run, proposed) for a spot.
type Update struct {
	SpotID   int64  `json:"spot_id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url"`
}

// Result summarises a backfill run.
type Result struct {
	Checked  int      `json:"checked"`
	Updated  int      `json:"updated"`
	NotFound int      `json:"not_found"`
	Failed   int      `json:"failed"`
	DryRun   bool     `json:"dry_run"`
	Updates  []Update `json:"updates"`
}

// Backfiller assigns Places photos to approved spots that have none.
type Backfiller struct {
	db     *database.DB
	finder PhotoFinder
}

// NewBackfiller creates a backfiller.
func NewBackfiller(db *database.DB, finder PhotoFinder) *Backfiller {
	return &Backfiller{db: db, finder: finder}
}

// Backfill processes up to limit spots. Lookup failures are logged and
// counted; only database errors and cancellation abort the run.
func (b *Backfiller) Backfill(ctx context.Context, limit int, dryRun bool) (*Result, error) {
	spots, err := b.db.ListSpotsMissingPhoto(validate.Clamp(limit, 50, 1, 500))
	if err != nil {
		return nil, err
	}

	res := &Result{DryRun: dryRun, Updates: []Update{}}
	for _, spot := range spots {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		url, err := b.finder.FindPhoto(ctx, query(spot))
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			log.Warn().Err(err).Int64("spot_id", spot.ID).Str("name", spot.Name).Msg("Photo lookup failed")
			continue
		}
		if url == "" {
			res.NotFound++
			log.Debug().Int64("spot_id", spot.ID).Str("name", spot.Name).Msg("No photo found")
			continue
		}

		if !dryRun {
			if err := b.db.SetSpotPhoto(spot.ID, url); err != nil {
				return res, err
			}
		}
		res.Updated++
		res.Updates = append(res.Updates, Update{SpotID: spot.ID, Name: spot.Name, PhotoURL: url})
	}

	log.Info().
		Bool("dry_run", dryRun).
		Int("checked", res.Checked).
		Int("updated", res.Updated).
		Int("not_found", res.NotFound).
		Int("failed", res.Failed).
		Msg("Photo backfill complete")
	return res, nil
}

func query(s *database.Spot) string {
	parts := []string{s.Name}
	if s.City != "" {
		parts = append(parts, s.City)
	}
	return strings.Join(parts, ", ")
}
