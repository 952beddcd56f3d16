package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crewmate/crewmate/internal/database/databasetest"
	"github.com/crewmate/crewmate/internal/plans"
	"github.com/crewmate/crewmate/internal/spots"
	"github.com/crewmate/crewmate/internal/validate"
	"github.com/crewmate/crewmate/internal/verification"
)

func TestHandleError(t *testing.T) {
	db, _ := databasetest.New(t)
	h := New(Services{DB: db})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   map[string]string
		wantRetry  string
	}{
		{
			name:       "validation",
			err:        validate.Errorf("city", "is required"),
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]string{"error": "city: is required", "field": "city"},
		},
		{
			name:       "wrapped sentinel",
			err:        fmt.Errorf("join: %w", plans.ErrFull),
			wantStatus: http.StatusConflict,
			wantBody:   map[string]string{"error": "join: " + plans.ErrFull.Error()},
		},
		{
			name:       "verification cooldown",
			err:        &verification.TooSoonError{RetryAfter: 42 * time.Second},
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  "42",
		},
		{
			name:       "checkin cooldown",
			err:        &spots.CheckinTooSoonError{RetryAt: databasetest.Epoch.Add(2 * time.Hour)},
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  "7200",
		},
		{
			name:       "unexpected",
			err:        fmt.Errorf("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   map[string]string{"error": "internal server error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Fatalf("expected Retry-After %q, got %q", tt.wantRetry, got)
			}
			if tt.wantBody != nil {
				var got map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(tt.wantBody, got); diff != "" {
					t.Fatalf("body mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestRedactConfig(t *testing.T) {
	in := map[string]string{"url": "https://hooks.test/secret", "method": "POST", "headers": ""}
	got := redactConfig(in)
	want := map[string]string{"url": "********", "method": "POST", "headers": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("redaction mismatch (-want +got):\n%s", diff)
	}
	if in["url"] != "https://hooks.test/secret" {
		t.Fatal("input map was modified")
	}
}
