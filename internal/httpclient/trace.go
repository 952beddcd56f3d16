package httpclient

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxLoggedBody caps how much of a response body is written to the trace log.
const maxLoggedBody = 4096

type traceTransport struct {
	base http.RoundTripper
	name string
}

// NewTraceTransport returns a RoundTripper that logs requests at trace level.
func NewTraceTransport(name string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &traceTransport{base: base, name: name}
}

// NewTraceClient returns an HTTP client that logs requests at trace level.
func NewTraceClient(name string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTraceTransport(name, nil),
	}
}

func traceEnabled() bool {
	return zerolog.GlobalLevel() <= zerolog.TraceLevel && log.Logger.GetLevel() <= zerolog.TraceLevel
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !traceEnabled() {
		return t.base.RoundTrip(req)
	}

	urlStr := redactURL(req.URL)
	start := time.Now()
	log.Trace().
		Str("client", t.name).
		Str("method", req.Method).
		Str("url", urlStr).
		Bool("authorized", req.Header.Get("Authorization") != "" || req.Header.Get("X-Goog-Api-Key") != "").
		Msg("HTTP request")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		log.Trace().
			Str("client", t.name).
			Str("method", req.Method).
			Str("url", urlStr).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("HTTP request failed")
		return nil, err
	}

	ev := log.Trace().
		Str("client", t.name).
		Str("method", req.Method).
		Str("url", urlStr).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("content_type", resp.Header.Get("Content-Type"))

	if isTextual(resp.Header.Get("Content-Type")) {
		head, truncated, readErr := peekBody(resp, maxLoggedBody)
		switch {
		case readErr != nil:
			ev.Err(readErr)
		case len(head) == 0:
		case !truncated && json.Valid(head):
			ev.RawJSON("body", head)
		default:
			ev.Str("body", string(head)).Bool("body_truncated", truncated)
		}
	}
	ev.Msg("HTTP response")
	return resp, nil
}

// peekBody reads up to limit bytes of the body for logging and puts them
// back in front of the unread remainder.
func peekBody(resp *http.Response, limit int) ([]byte, bool, error) {
	if resp.Body == nil {
		return nil, false, nil
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), rest), rest}
	if err != nil {
		return nil, false, err
	}
	if len(head) > limit {
		return head[:limit], true, nil
	}
	return head, false, nil
}

// isTextual reports whether a body of this type is worth logging. Image
// bytes from Places and Cloud Storage are not.
func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "text/") || strings.HasSuffix(mt, "json") ||
		strings.HasSuffix(mt, "xml") || mt == "application/x-www-form-urlencoded"
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil

	// Discord webhook URLs carry their secret as the last path segment.
	if strings.HasPrefix(c.Path, "/api/webhooks/") {
		if i := strings.LastIndex(c.Path, "/"); i > len("/api/webhooks/") {
			c.Path = c.Path[:i] + "/redacted"
			c.RawPath = ""
		}
	}

	if c.RawQuery != "" {
		q := c.Query()
		for key := range q {
			if isSensitiveQueryKey(key) {
				q.Set(key, "redacted")
			}
		}
		c.RawQuery = q.Encode()
	}
	return c.String()
}

func isSensitiveQueryKey(key string) bool {
	switch strings.ToLower(key) {
	case "key", "apikey", "api_key", "api-key", "token", "access_token", "authorization", "auth", "signature", "x-goog-signature", "x-goog-credential":
		return true
	default:
		return false
	}
}
