package gcloud

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantRetry bool
		wantAfter time.Duration
	}{
		{"nil", nil, false, 0},
		{"canceled", context.Canceled, false, 0},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, false, 0},
		{"unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}, true, 0},
		{
			"too many with retry-after",
			&googleapi.Error{Code: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"7"}}},
			true, 7 * time.Second,
		},
		{
			"quota reason on 403",
			&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}},
			true, 0,
		},
		{"plain error", errors.New("boom"), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, after := ShouldRetry(tt.err)
			if retry != tt.wantRetry || after != tt.wantAfter {
				t.Fatalf("ShouldRetry = (%v, %v), want (%v, %v)", retry, after, tt.wantRetry, tt.wantAfter)
			}
		})
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier("test", time.Millisecond, 3)
	calls := 0
	_, err := Do(context.Background(), r, "get", func() (int, error) {
		calls++
		return 0, &googleapi.Error{Code: http.StatusBadRequest}
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d, err = %v", calls, err)
	}
}

func TestDo_RetriesTransientError(t *testing.T) {
	r := NewRetrier("test", time.Millisecond, 3)
	r.baseDelay = time.Millisecond
	calls := 0
	got, err := Do(context.Background(), r, "get", func() (string, error) {
		calls++
		if calls < 3 {
			return "", &googleapi.Error{Code: http.StatusBadGateway}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls, err = %v", got, calls, err)
	}
}

func TestRetrier_BackoffIsCapped(t *testing.T) {
	r := NewRetrier("test", time.Millisecond, 10)
	for attempt, floor := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := r.backoff(attempt + 1)
		if got < floor || got > floor+floor/5 {
			t.Fatalf("backoff(%d) = %s, want within 20%% above %s", attempt+1, got, floor)
		}
	}
	if got := r.backoff(40); got < r.maxDelay || got > r.maxDelay+r.maxDelay/5 {
		t.Fatalf("backoff(40) = %s, want capped near %s", got, r.maxDelay)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter(" 12 "); got != 12*time.Second {
		t.Fatalf("seconds: got %s", got)
	}
	if got := parseRetryAfter("-4"); got != 0 {
		t.Fatalf("negative: got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("garbage: got %s", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Fatalf("past date: got %s", got)
	}
}
