package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/database"
)

// Provider types stored in notification_providers
const (
	ProviderTypeDiscord = "discord"
	ProviderTypeWebhook = "webhook"
)

// ProviderStore lists configured alert providers.
type ProviderStore interface {
	ListEnabledNotificationProviders() ([]*database.NotificationProvider, error)
}

// BuildProvider turns a stored provider row into a Provider.
func BuildProvider(p *database.NotificationProvider) (Provider, error) {
	events, err := ParseEventFilter(p.Config["events"])
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.Name, err)
	}
	switch p.Type {
	case ProviderTypeDiscord:
		url := p.Config["webhook_url"]
		if url == "" {
			return nil, fmt.Errorf("provider %s: webhook_url is required", p.Name)
		}
		return NewDiscordProvider(DiscordConfig{
			WebhookURL:    url,
			Username:      p.Config["username"],
			AvatarURL:     p.Config["avatar_url"],
			MentionRoleID: p.Config["mention_role_id"],
			Events:        events,
			Enabled:       p.Enabled,
		}), nil
	case ProviderTypeWebhook:
		url := p.Config["url"]
		if url == "" {
			return nil, fmt.Errorf("provider %s: url is required", p.Name)
		}
		provider, err := NewWebhookProvider(WebhookConfig{
			URL:         url,
			Method:      strings.ToUpper(p.Config["method"]),
			Body:        p.Config["body"],
			Headers:     ParseWebhookHeaders(p.Config["headers"]),
			ContentType: p.Config["content_type"],
			Events:      events,
			Enabled:     p.Enabled,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
	}
}

// Setup registers the Expo provider and every enabled alert provider.
// discordURL, when set, adds a Discord provider from the environment.
func Setup(m *Manager, store ProviderStore, tokens TokenStore, expo ExpoConfig, discordURL string, timeout time.Duration) error {
	m.RegisterProvider("expo", NewExpoProvider(expo, tokens, timeout))

	if discordURL != "" {
		m.RegisterProvider("discord-env", NewDiscordProvider(DiscordConfig{WebhookURL: discordURL, Enabled: true}))
	}

	providers, err := store.ListEnabledNotificationProviders()
	if err != nil {
		return fmt.Errorf("failed to load notification providers: %w", err)
	}
	for _, p := range providers {
		provider, err := BuildProvider(p)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name).Msg("Skipping notification provider")
			continue
		}
		m.RegisterProvider(p.Name, provider)
	}
	return nil
}
