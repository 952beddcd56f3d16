package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter bounds how long a rate-limited provider may ask us to wait.
const maxRetryAfter = 10 * time.Second

// StatusError is returned when a provider endpoint answers with a non-2xx status.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

// retryDelay reports whether err is a rate limit worth one more attempt.
func retryDelay(err error) (time.Duration, bool) {
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		return 0, false
	}
	d := se.RetryAfter
	if d <= 0 {
		d = time.Second
	}
	return min(d, maxRetryAfter), true
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(client, req)
}

func doRequest(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			se.RetryAfter = time.Until(at)
		}
	}
	return se
}
