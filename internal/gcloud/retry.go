package gcloud

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

var retryableCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Quota and backend reasons are sometimes reported with a 403 or 400.
var retryableReasons = []string{
	"ratelimitexceeded",
	"userratelimitexceeded",
	"quotaexceeded",
	"backenderror",
	"internalerror",
}

// Retrier paces calls to one Google API and retries transient failures.
type Retrier struct {
	name     string
	limiter  *rate.Limiter
	attempts int
	// baseDelay doubles per attempt up to maxDelay, with up to 20% jitter added.
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewRetrier allows one request per interval and up to attempts tries per call.
func NewRetrier(name string, interval time.Duration, attempts int) *Retrier {
	return &Retrier{
		name:      name,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		attempts:  max(attempts, 1),
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

func (r *Retrier) backoff(attempt int) time.Duration {
	d := r.baseDelay << (attempt - 1)
	if d <= 0 || d > r.maxDelay {
		d = r.maxDelay
	}
	return d + rand.N(d/5+1)
}

// Do calls fn until it succeeds, returns a permanent error or the attempts
// are used up. operation names the call in logs.
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		value, err := fn()
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		retry, after := ShouldRetry(err)
		if !retry || attempt >= r.attempts {
			return zero, err
		}

		wait := max(r.backoff(attempt), after)
		log.Warn().Err(err).
			Str("api", r.name).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Google API call failed, retrying")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// ShouldRetry reports whether err is transient, along with any delay the
// server asked for.
func ShouldRetry(err error) (bool, time.Duration) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if !slices.Contains(retryableCodes, apiErr.Code) && !hasRetryableReason(apiErr.Errors) {
			return false, 0
		}
		return true, parseRetryAfter(apiErr.Header.Get("Retry-After"))
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout(), 0
}

func hasRetryableReason(items []googleapi.ErrorItem) bool {
	return slices.ContainsFunc(items, func(item googleapi.ErrorItem) bool {
		return slices.Contains(retryableReasons, strings.ToLower(strings.TrimSpace(item.Reason)))
	})
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
