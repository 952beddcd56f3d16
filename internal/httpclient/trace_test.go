package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://places.googleapis.com/v1/places:searchText?key=abc&fields=x", "https://places.googleapis.com/v1/places:searchText?fields=x&key=redacted"},
		{"https://exp.host/--/api/v2/push/send", "https://exp.host/--/api/v2/push/send"},
		{"https://example.com/?Token=1&page=2", "https://example.com/?Token=redacted&page=2"},
		{"https://discord.com/api/webhooks/123/s3cr3t", "https://discord.com/api/webhooks/123/redacted"},
		{"https://user:pw@hooks.test/x", "https://hooks.test/x"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.in, err)
		}
		if got := redactURL(u); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsTextual(t *testing.T) {
	for ct, want := range map[string]bool{
		"":                                true,
		"application/json; charset=UTF-8": true,
		"text/plain":                      true,
		"application/problem+json":        true,
		"image/jpeg":                      false,
		"application/octet-stream":        false,
	} {
		if got := isTextual(ct); got != want {
			t.Errorf("isTextual(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestTraceClient_PreservesBody(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	payload := strings.Repeat("x", maxLoggedBody+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	resp, err := NewTraceClient("test", 5*time.Second).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("expected body of %d bytes to survive tracing, got %d", len(payload), len(body))
	}
}
