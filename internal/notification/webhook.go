package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/httpclient"
)

// WebhookConfig holds generic webhook configuration
type WebhookConfig struct {
	URL         string
	Method      string            // POST or PUT
	Body        string            // text/template for the request body
	Headers     map[string]string // Custom headers
	ContentType string
	Events      EventFilter
	Enabled     bool
}

// WebhookProvider posts admin alerts to an HTTP endpoint with a templated body
type WebhookProvider struct {
	config WebhookConfig
	tmpl   *template.Template
	client *http.Client
}

// webhookFuncs are available inside body templates. {{json .Title}} yields a
// quoted JSON string.
var webhookFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"upper": strings.ToUpper,
}

// DefaultWebhookBody is used when no body template is configured.
const DefaultWebhookBody = `{"event": {{json .Type}}, "title": {{json .Title}}, "message": {{json .Message}}, "timestamp": {{json .Timestamp}}, "fields": {{json .Fields}}}`

// NewWebhookProvider creates a new generic webhook notification provider. It
// fails when the body template does not parse.
func NewWebhookProvider(cfg WebhookConfig) (*WebhookProvider, error) {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	body := cfg.Body
	if body == "" {
		body = DefaultWebhookBody
	}
	tmpl, err := parseWebhookBody(body)
	if err != nil {
		return nil, err
	}
	return &WebhookProvider{
		config: cfg,
		tmpl:   tmpl,
		client: httpclient.NewTraceClient("webhook", config.GetTimeouts().HTTPClient),
	}, nil
}

func (w *WebhookProvider) Name() string {
	return "webhook"
}

func (w *WebhookProvider) Handles(event Event) bool {
	return w.config.Events.Accepts(event)
}

type webhookTemplateData struct {
	Type      string
	Title     string
	Message   string
	Timestamp string
	Fields    map[string]string
}

// Send renders the body template and delivers it.
func (w *WebhookProvider) Send(ctx context.Context, event Event) error {
	if !w.config.Enabled || w.config.URL == "" {
		return nil
	}
	body, err := w.render(event)
	if err != nil {
		return err
	}
	return w.send(ctx, body)
}

// Test sends a test notification
func (w *WebhookProvider) Test(ctx context.Context) error {
	if w.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	body, err := w.render(Event{
		Type:      "test",
		Title:     "Test Notification",
		Message:   "CrewMate admin alerts are reaching this webhook.",
		Timestamp: time.Now(),
		Fields:    map[string]string{"source": "crewmate"},
	})
	if err != nil {
		return err
	}
	return w.send(ctx, body)
}

func (w *WebhookProvider) render(event Event) ([]byte, error) {
	fields := event.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var buf bytes.Buffer
	err := w.tmpl.Execute(&buf, webhookTemplateData{
		Type:      string(event.Type),
		Title:     event.Title,
		Message:   event.Message,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Fields:    fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render body template: %w", err)
	}
	if strings.Contains(w.config.ContentType, "json") && !json.Valid(buf.Bytes()) {
		return nil, fmt.Errorf("body template produced invalid JSON")
	}
	return buf.Bytes(), nil
}

func (w *WebhookProvider) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, w.config.Method, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.config.ContentType)
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}
	return doRequest(w.client, req)
}

func parseWebhookBody(body string) (*template.Template, error) {
	tmpl, err := template.New("webhook").Funcs(webhookFuncs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid template syntax: %w", err)
	}
	return tmpl, nil
}

// ParseWebhookHeaders reads "Name: value" lines.
func ParseWebhookHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for line := range strings.SplitSeq(s, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			headers[key] = strings.TrimSpace(value)
		}
	}
	return headers
}
