package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/httpclient"
)

// Discord rejects embeds beyond these sizes.
const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
	discordFieldLimit       = 25
	discordFieldValueLimit  = 1024
)

// DiscordConfig holds Discord webhook configuration
type DiscordConfig struct {
	WebhookURL string
	Username   string // Bot username (optional)
	AvatarURL  string // Bot avatar URL (optional)
	// MentionRoleID is pinged for reports and system errors.
	MentionRoleID string
	Events        EventFilter
	Enabled       bool
}

// DiscordProvider posts admin alerts to a Discord channel webhook
type DiscordProvider struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordProvider creates a new Discord notification provider
func NewDiscordProvider(cfg DiscordConfig) *DiscordProvider {
	if cfg.Username == "" {
		cfg.Username = "CrewMate"
	}
	return &DiscordProvider{
		config: cfg,
		client: httpclient.NewTraceClient("discord", config.GetTimeouts().HTTPClient),
	}
}

func (d *DiscordProvider) Name() string {
	return "discord"
}

func (d *DiscordProvider) Handles(event Event) bool {
	return d.config.Events.Accepts(event)
}

// Send posts the alert as a single embed.
func (d *DiscordProvider) Send(ctx context.Context, event Event) error {
	if !d.config.Enabled || d.config.WebhookURL == "" {
		return nil
	}
	return postJSON(ctx, d.client, d.config.WebhookURL, d.payload(event))
}

// Test sends a test notification
func (d *DiscordProvider) Test(ctx context.Context) error {
	if d.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	return postJSON(ctx, d.client, d.config.WebhookURL, d.payload(Event{
		Type:      "test",
		Title:     "Test Notification",
		Message:   "CrewMate admin alerts are reaching this channel.",
		Timestamp: time.Now(),
	}))
}

func (d *DiscordProvider) payload(event Event) discordWebhookPayload {
	p := discordWebhookPayload{
		Username:  d.config.Username,
		AvatarURL: d.config.AvatarURL,
		Embeds:    []discordEmbed{buildEmbed(event)},
	}
	if d.config.MentionRoleID != "" && urgent(event.Type) {
		p.Content = "<@&" + d.config.MentionRoleID + ">"
		p.AllowedMentions = &discordAllowedMentions{Parse: []string{}, Roles: []string{d.config.MentionRoleID}}
	} else {
		p.AllowedMentions = &discordAllowedMentions{Parse: []string{}}
	}
	return p
}

func urgent(t EventType) bool {
	return t == EventReportFiled || t == EventSystemError
}

func buildEmbed(event Event) discordEmbed {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	embed := discordEmbed{
		Title:       truncate(event.Title, discordTitleLimit),
		Description: truncate(event.Message, discordDescriptionLimit),
		Color:       eventColor(event.Type),
		Timestamp:   ts.UTC().Format(time.RFC3339),
		Footer:      &discordEmbedFooter{Text: "CrewMate · " + string(event.Type)},
	}

	// Sorted so embeds render the same way every time
	names := make([]string, 0, len(event.Fields))
	for name, v := range event.Fields {
		if v != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > discordFieldLimit {
		names = names[:discordFieldLimit]
	}
	for _, name := range names {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   fieldLabel(name),
			Value:  truncate(event.Fields[name], discordFieldValueLimit),
			Inline: len(event.Fields[name]) <= 40,
		})
	}
	return embed
}

// fieldLabel turns "target_type" into "Target type".
func fieldLabel(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

func eventColor(t EventType) int {
	switch t {
	case EventReportFiled, EventSystemError:
		return 0xE74C3C
	case EventUserBanned:
		return 0xE67E22
	case EventSpotSubmitted:
		return 0x3498DB
	default:
		return 0x95A5A6
	}
}

type discordWebhookPayload struct {
	Username        string                  `json:"username,omitempty"`
	AvatarURL       string                  `json:"avatar_url,omitempty"`
	Content         string                  `json:"content,omitempty"`
	Embeds          []discordEmbed          `json:"embeds,omitempty"`
	AllowedMentions *discordAllowedMentions `json:"allowed_mentions,omitempty"`
}

type discordAllowedMentions struct {
	Parse []string `json:"parse"`
	Roles []string `json:"roles,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
