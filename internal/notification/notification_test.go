package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/database/databasetest"
)

type recordingProvider struct {
	name   string
	admin  bool
	mu     sync.Mutex
	events []Event
	fail   error
	sent   chan struct{}
}

func newRecordingProvider(name string, admin bool) *recordingProvider {
	return &recordingProvider{name: name, admin: admin, sent: make(chan struct{}, 10)}
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Handles(e Event) bool { return e.IsAdminAlert() == p.admin }

func (p *recordingProvider) Send(_ context.Context, e Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	p.sent <- struct{}{}
	return p.fail
}

func (p *recordingProvider) Test(context.Context) error { return nil }

type memoryLogs struct {
	mu      sync.Mutex
	entries []database.NotificationLog
}

func (l *memoryLogs) LogNotification(e *database.NotificationLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *e)
	return nil
}

func waitSent(t *testing.T, p *recordingProvider) {
	t.Helper()
	select {
	case <-p.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("provider %s did not receive event", p.name)
	}
}

func TestManager_RoutesByAudience(t *testing.T) {
	defer goleak.VerifyNone(t)

	logs := &memoryLogs{}
	m := NewManager(logs)
	admin := newRecordingProvider("discord", true)
	push := newRecordingProvider("expo", false)
	push.fail = fmt.Errorf("boom")

	m.RegisterProvider(admin.name, admin)
	m.RegisterProvider(push.name, push)
	if !m.IsRunning() {
		t.Fatal("expected manager to auto-start")
	}

	m.NotifyAdmins(EventReportFiled, "Report", "spam", nil)
	waitSent(t, admin)
	m.Notify(Event{Type: EventPush, UserID: 7, Title: "Hi"})
	waitSent(t, push)

	m.Stop()
	if m.IsRunning() {
		t.Fatal("expected manager stopped")
	}

	if len(admin.events) != 1 || admin.events[0].Type != EventReportFiled {
		t.Fatalf("unexpected admin events: %+v", admin.events)
	}
	if len(push.events) != 1 || push.events[0].UserID != 7 {
		t.Fatalf("unexpected push events: %+v", push.events)
	}

	var statuses []string
	for _, e := range logs.entries {
		statuses = append(statuses, e.Provider+":"+e.Status)
	}
	if diff := cmp.Diff([]string{"discord:sent", "expo:failed"}, statuses); diff != "" {
		t.Fatalf("unexpected log entries (-want +got):\n%s", diff)
	}
}

func TestManager_DropsWhenQueueFull(t *testing.T) {
	m := NewManager(nil)
	for range QueueSize + 5 {
		m.Notify(Event{Type: EventPush, UserID: 1})
	}
	if got := len(m.events); got != QueueSize {
		t.Fatalf("expected queue capped at %d, got %d", QueueSize, got)
	}
}

type memoryTokens struct {
	mu      sync.Mutex
	tokens  map[int64][]string
	deleted []string
	touched int
}

func (s *memoryTokens) ListPushTokens(userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens[userID]...), nil
}

func (s *memoryTokens) DeletePushToken(_ int64, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, token)
	return true, nil
}

func (s *memoryTokens) TouchPushTokens(tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched += len(tokens)
	return nil
}

func TestExpoProvider_BatchesAndPrunes(t *testing.T) {
	var mu sync.Mutex
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		var msgs []expoMessage
		if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		batchSizes = append(batchSizes, len(msgs))
		mu.Unlock()

		resp := expoResponse{}
		for _, m := range msgs {
			var ticket expoTicket
			if m.To == "ExponentPushToken[dead]" {
				ticket.Status = "error"
				ticket.Details.Error = "DeviceNotRegistered"
			} else {
				ticket.Status = "ok"
			}
			resp.Data = append(resp.Data, ticket)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	var tokens []string
	for i := range 149 {
		tokens = append(tokens, fmt.Sprintf("ExponentPushToken[t%d]", i))
	}
	tokens = append(tokens, "ExponentPushToken[dead]")
	store := &memoryTokens{tokens: map[int64][]string{42: tokens}}

	p := NewExpoProvider(ExpoConfig{URL: srv.URL, AccessToken: "secret"}, store, 5*time.Second)
	if err := p.Send(context.Background(), Event{Type: EventPush, UserID: 42, Title: "Hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if diff := cmp.Diff([]int{100, 50}, batchSizes); diff != "" {
		t.Fatalf("unexpected batch sizes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ExponentPushToken[dead]"}, store.deleted); diff != "" {
		t.Fatalf("unexpected deleted tokens (-want +got):\n%s", diff)
	}
	if store.touched != 149 {
		t.Fatalf("expected 149 delivered tokens, got %d", store.touched)
	}
}

func TestWebhookProvider_EscapesDefaultBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("body is not valid JSON: %v", err)
		}
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("expected custom header")
		}
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(WebhookConfig{URL: srv.URL, Enabled: true, Headers: ParseWebhookHeaders("X-Token: abc\n")})
	if err != nil {
		t.Fatalf("NewWebhookProvider: %v", err)
	}
	event := Event{
		Type:      EventSpotSubmitted,
		Title:     `Spot "Joe's"`,
		Message:   "line1\nline2",
		Fields:    map[string]string{"city": "Zürich"},
		Timestamp: time.Unix(0, 0),
	}
	if err := p.Send(context.Background(), event); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := map[string]any{
		"event":     "spot_submitted",
		"title":     `Spot "Joe's"`,
		"message":   "line1\nline2",
		"timestamp": "1970-01-01T00:00:00Z",
		"fields":    map[string]any{"city": "Zürich"},
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("unexpected body (-want +got):\n%s", diff)
	}
}

func TestWebhookProvider_CustomBody(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(WebhookConfig{
		URL:         srv.URL,
		Method:      http.MethodPut,
		Body:        "{{upper .Type}}: {{.Title}}",
		ContentType: "text/plain",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("NewWebhookProvider: %v", err)
	}
	if err := p.Send(context.Background(), Event{Type: EventUserBanned, Title: "mallory"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "USER_BANNED: mallory" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestWebhookProvider_RejectsInvalidJSONBody(t *testing.T) {
	p, err := NewWebhookProvider(WebhookConfig{URL: "http://127.0.0.1:1", Body: `{"title": {{.Title}}}`, Enabled: true})
	if err != nil {
		t.Fatalf("NewWebhookProvider: %v", err)
	}
	err = p.Send(context.Background(), Event{Type: EventSystemError, Title: "disk full"})
	if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}
}

func TestDiscordProvider_Payload(t *testing.T) {
	d := NewDiscordProvider(DiscordConfig{WebhookURL: "http://x", MentionRoleID: "99", Enabled: true})

	report := d.payload(Event{Type: EventReportFiled, Title: "Report", Fields: map[string]string{"target_type": "spot", "note": ""}})
	if report.Username != "CrewMate" {
		t.Errorf("expected default username, got %q", report.Username)
	}
	if report.Content != "<@&99>" {
		t.Errorf("expected role mention, got %q", report.Content)
	}
	if diff := cmp.Diff([]string{"99"}, report.AllowedMentions.Roles); diff != "" {
		t.Errorf("unexpected allowed roles (-want +got):\n%s", diff)
	}
	embed := report.Embeds[0]
	if embed.Color != eventColor(EventReportFiled) || embed.Footer.Text != "CrewMate · report_filed" {
		t.Errorf("unexpected embed: %+v", embed)
	}
	if diff := cmp.Diff([]discordEmbedField{{Name: "Target type", Value: "spot", Inline: true}}, embed.Fields); diff != "" {
		t.Errorf("unexpected fields (-want +got):\n%s", diff)
	}

	spot := d.payload(Event{Type: EventSpotSubmitted, Title: "Spot"})
	if spot.Content != "" || len(spot.AllowedMentions.Roles) != 0 {
		t.Errorf("expected no mention for spot submissions, got %+v", spot)
	}
}

func TestBuildEmbed_Limits(t *testing.T) {
	fields := map[string]string{}
	for i := range 30 {
		fields[fmt.Sprintf("f%02d", i)] = strings.Repeat("v", 2000)
	}
	embed := buildEmbed(Event{Type: EventSystemError, Title: strings.Repeat("é", 300), Fields: fields})

	if n := utf8.RuneCountInString(embed.Title); n != discordTitleLimit {
		t.Errorf("expected title of %d runes, got %d", discordTitleLimit, n)
	}
	if !strings.HasSuffix(embed.Title, "…") {
		t.Errorf("expected truncated title to end with ellipsis")
	}
	if len(embed.Fields) != discordFieldLimit {
		t.Errorf("expected %d fields, got %d", discordFieldLimit, len(embed.Fields))
	}
	if embed.Fields[0].Name != "F00" || embed.Fields[0].Inline {
		t.Errorf("unexpected first field: %+v", embed.Fields[0])
	}
	if n := utf8.RuneCountInString(embed.Fields[0].Value); n != discordFieldValueLimit {
		t.Errorf("expected field value of %d runes, got %d", discordFieldValueLimit, n)
	}
}

func TestEventFilter(t *testing.T) {
	f, err := ParseEventFilter(" report_filed, user_banned ,report_filed,")
	if err != nil {
		t.Fatalf("ParseEventFilter: %v", err)
	}
	if diff := cmp.Diff(EventFilter{EventReportFiled, EventUserBanned}, f); diff != "" {
		t.Fatalf("unexpected filter (-want +got):\n%s", diff)
	}
	if _, err := ParseEventFilter("push"); err == nil {
		t.Fatal("expected push to be rejected")
	}

	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{"empty accepts alerts", nil, Event{Type: EventSpotSubmitted}, true},
		{"empty rejects pushes", nil, Event{Type: EventPush, UserID: 3}, false},
		{"listed", f, Event{Type: EventUserBanned}, true},
		{"unlisted", f, Event{Type: EventSpotSubmitted}, false},
		{"test always passes", f, Event{Type: "test"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Accepts(tt.event); got != tt.want {
				t.Fatalf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDoRequest_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer srv.Close()

	err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]string{"a": "b"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusTooManyRequests || len(se.Body) != 256 || se.RetryAfter != 30*time.Second {
		t.Fatalf("unexpected status error: code=%d body=%d retry=%s", se.Code, len(se.Body), se.RetryAfter)
	}

	wait, ok := retryDelay(err)
	if !ok || wait != maxRetryAfter {
		t.Fatalf("expected capped retry of %s, got %s %v", maxRetryAfter, wait, ok)
	}
	if _, ok := retryDelay(&StatusError{Code: http.StatusBadGateway}); ok {
		t.Fatal("expected no retry for 502")
	}
	if wait, _ := retryDelay(&StatusError{Code: http.StatusTooManyRequests}); wait != time.Second {
		t.Fatalf("expected default wait of 1s, got %s", wait)
	}
}

type flakyProvider struct {
	*recordingProvider
	calls int
}

func (p *flakyProvider) Send(ctx context.Context, e Event) error {
	p.calls++
	if p.calls == 1 {
		return &StatusError{Code: http.StatusTooManyRequests, RetryAfter: 10 * time.Millisecond}
	}
	return p.recordingProvider.Send(ctx, e)
}

func TestManager_RetriesRateLimited(t *testing.T) {
	defer goleak.VerifyNone(t)

	logs := &memoryLogs{}
	m := NewManager(logs)
	p := &flakyProvider{recordingProvider: newRecordingProvider("discord", true)}
	m.RegisterProvider(p.name, p)

	m.NotifyAdmins(EventSystemError, "Disk", "full", nil)
	waitSent(t, p.recordingProvider)
	m.Stop()

	if p.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", p.calls)
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != "sent" {
		t.Fatalf("unexpected log entries: %+v", logs.entries)
	}
}

func TestBuildProvider(t *testing.T) {
	tests := []struct {
		name    string
		p       database.NotificationProvider
		wantErr string
	}{
		{"discord", database.NotificationProvider{Name: "d", Type: ProviderTypeDiscord, Config: map[string]string{"webhook_url": "http://x"}}, ""},
		{"discord missing url", database.NotificationProvider{Name: "d", Type: ProviderTypeDiscord}, "webhook_url"},
		{"bad template", database.NotificationProvider{Name: "w", Type: ProviderTypeWebhook, Config: map[string]string{"url": "http://x", "body": "{{"}}, "template"},
		{"bad events", database.NotificationProvider{Name: "w", Type: ProviderTypeWebhook, Config: map[string]string{"url": "http://x", "events": "report_filed,nope"}}, "unknown event type"},
		{"webhook with events", database.NotificationProvider{Name: "w", Type: ProviderTypeWebhook, Config: map[string]string{"url": "http://x", "events": "user_banned"}}, ""},
		{"unknown", database.NotificationProvider{Name: "x", Type: "pager"}, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildProvider(&tt.p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(userID int64, event string, _ any) {
	p.events = append(p.events, fmt.Sprintf("%d:%s", userID, event))
}

type recordingQueue struct {
	events []Event
}

func (q *recordingQueue) Notify(e Event) { q.events = append(q.events, e) }

func (q *recordingQueue) NotifyAdmins(t EventType, title, message string, fields map[string]string) {
	q.events = append(q.events, Event{Type: t, Title: title, Message: message, Fields: fields})
}

func TestInbox_CreateFansOut(t *testing.T) {
	db, _ := databasetest.New(t)
	admin := databasetest.CreateUser(t, db, "admin", nil)
	user := databasetest.CreateUser(t, db, "user", nil)

	pub := &recordingPublisher{}
	queue := &recordingQueue{}
	inbox := NewInbox(db, queue, pub)

	n, err := inbox.Create(user.ID, KindPlanInvite, "Invite", "Dinner tonight", map[string]string{"plan_id": "3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inbox.NotifyAdmins(EventSpotSubmitted, KindSpotSubmitted, "New spot", "Cafe", nil)

	want := []string{fmt.Sprintf("%d:notification", user.ID), fmt.Sprintf("%d:notification", admin.ID)}
	if diff := cmp.Diff(want, pub.events); diff != "" {
		t.Fatalf("unexpected realtime events (-want +got):\n%s", diff)
	}
	if len(queue.events) != 3 {
		t.Fatalf("expected 2 pushes and 1 admin alert, got %d", len(queue.events))
	}
	push := queue.events[0]
	if push.UserID != user.ID || push.Fields["plan_id"] != "3" || push.Fields["kind"] != KindPlanInvite {
		t.Fatalf("unexpected push event: %+v", push)
	}
	if !queue.events[2].IsAdminAlert() {
		t.Fatal("expected last event to be an admin alert")
	}

	if c, _ := inbox.UnreadCount(user.ID); c != 1 {
		t.Fatalf("expected 1 unread, got %d", c)
	}
	if marked, _ := inbox.MarkRead(user.ID, []int64{n.ID}); marked != 1 {
		t.Fatalf("expected 1 marked read, got %d", marked)
	}
}

func TestInbox_RegisterPushToken(t *testing.T) {
	db, _ := databasetest.New(t)
	user := databasetest.CreateUser(t, db, "user", nil)
	inbox := NewInbox(db, nil, nil)

	if err := inbox.RegisterPushToken(user.ID, "ExponentPushToken[xxxx-yyyy]", "iOS"); err != nil {
		t.Fatalf("RegisterPushToken: %v", err)
	}
	if err := inbox.RegisterPushToken(user.ID, "not-a-token", ""); err != ErrInvalidPushToken {
		t.Fatalf("expected ErrInvalidPushToken, got %v", err)
	}
	tokens, _ := db.ListPushTokens(user.ID)
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token, got %v", tokens)
	}
	if err := inbox.UnregisterPushToken(user.ID, tokens[0]); err != nil {
		t.Fatalf("UnregisterPushToken: %v", err)
	}
}
