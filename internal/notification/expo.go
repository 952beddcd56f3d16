package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/httpclient"
)

const (
	// ExpoPushURL is Expo's push send endpoint.
	ExpoPushURL = "https://exp.host/--/api/v2/push/send"
	// ExpoBatchSize is the most messages Expo accepts per request.
	ExpoBatchSize = 100
)

// TokenStore loads and prunes device tokens.
type TokenStore interface {
	ListPushTokens(userID int64) ([]string, error)
	DeletePushToken(userID int64, token string) (bool, error)
	TouchPushTokens(tokens []string) error
}

// ExpoConfig holds Expo push configuration
type ExpoConfig struct {
	URL         string
	AccessToken string
}

// ExpoProvider delivers user notifications to devices through Expo
type ExpoProvider struct {
	config ExpoConfig
	tokens TokenStore
	client *http.Client
}

// NewExpoProvider creates a new Expo push provider
func NewExpoProvider(config ExpoConfig, tokens TokenStore, timeout time.Duration) *ExpoProvider {
	if config.URL == "" {
		config.URL = ExpoPushURL
	}
	return &ExpoProvider{
		config: config,
		tokens: tokens,
		client: httpclient.NewTraceClient("expo", timeout),
	}
}

// Name returns the provider name
func (e *ExpoProvider) Name() string {
	return "expo"
}

// Handles accepts events addressed to a user
func (e *ExpoProvider) Handles(event Event) bool {
	return !event.IsAdminAlert()
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Send pushes the event to every device of the user
func (e *ExpoProvider) Send(ctx context.Context, event Event) error {
	tokens, err := e.tokens.ListPushTokens(event.UserID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	messages := make([]expoMessage, len(tokens))
	for i, t := range tokens {
		messages[i] = expoMessage{To: t, Title: event.Title, Body: event.Message, Data: event.Fields, Sound: "default"}
	}
	return e.sendMessages(ctx, messages)
}

func (e *ExpoProvider) sendMessages(ctx context.Context, messages []expoMessage) error {
	var failed int
	var lastErr error
	for start := 0; start < len(messages); start += ExpoBatchSize {
		end := min(start+ExpoBatchSize, len(messages))
		if err := e.sendBatch(ctx, messages[start:end]); err != nil {
			failed++
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%d push batch(es) failed: %w", failed, lastErr)
	}
	return nil
}

func (e *ExpoProvider) sendBatch(ctx context.Context, batch []expoMessage) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.AccessToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var out expoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode push response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("expo rejected request: %s", out.Errors[0].Message)
	}

	var delivered []string
	for i, ticket := range out.Data {
		if i >= len(batch) {
			break
		}
		token := batch[i].To
		if ticket.Status == "ok" {
			delivered = append(delivered, token)
			continue
		}
		if ticket.Details.Error == "DeviceNotRegistered" {
			if _, err := e.tokens.DeletePushToken(0, token); err != nil {
				log.Error().Err(err).Msg("Failed to delete unregistered push token")
			} else {
				log.Info().Str("token", token).Msg("Removed unregistered push token")
			}
			continue
		}
		log.Warn().Str("token", token).Str("error", ticket.Details.Error).Str("message", ticket.Message).Msg("Push ticket error")
	}

	if len(delivered) > 0 {
		if err := e.tokens.TouchPushTokens(delivered); err != nil {
			log.Warn().Err(err).Msg("Failed to record push token use")
		}
	}
	return nil
}

// Test checks the endpoint is reachable with an empty batch
func (e *ExpoProvider) Test(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader([]byte("[]")))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.AccessToken)
	}
	return doRequest(e.client, req)
}
