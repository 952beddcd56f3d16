package gcloud

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi/transport"

	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/httpclient"
)

// ServiceAccountClient returns an HTTP client that signs requests with the
// service account's JWT credentials for scopes.
func ServiceAccountClient(ctx context.Context, name, credentialsJSON string, scopes ...string) (*http.Client, error) {
	if credentialsJSON == "" {
		return nil, errors.New("missing service account credentials")
	}
	cfg, err := google.JWTConfigFromJSON([]byte(credentialsJSON), scopes...)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: config.GetTimeouts().HTTPClient,
		Transport: &oauth2.Transport{
			Source: cfg.TokenSource(ctx),
			Base:   httpclient.NewTraceTransport(name, nil),
		},
	}, nil
}

// APIKeyClient returns an HTTP client that adds key to every request.
func APIKeyClient(name, key string) (*http.Client, error) {
	if key == "" {
		return nil, errors.New("missing API key")
	}
	return &http.Client{
		Timeout: config.GetTimeouts().HTTPClient,
		Transport: &transport.APIKey{
			Key:       key,
			Transport: httpclient.NewTraceTransport(name, nil),
		},
	}, nil
}
