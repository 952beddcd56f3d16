package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/auth"
	"github.com/crewmate/crewmate/internal/cms"
	"github.com/crewmate/crewmate/internal/connections"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/moderation"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/places"
	"github.com/crewmate/crewmate/internal/plans"
	"github.com/crewmate/crewmate/internal/profiles"
	"github.com/crewmate/crewmate/internal/referrals"
	"github.com/crewmate/crewmate/internal/scheduler"
	"github.com/crewmate/crewmate/internal/spots"
	"github.com/crewmate/crewmate/internal/storage"
	"github.com/crewmate/crewmate/internal/validate"
	"github.com/crewmate/crewmate/internal/verification"
	"github.com/crewmate/crewmate/internal/web/middleware"
)

// Services bundles the domain services the API exposes.
// Notifications, Scheduler and Backfill may be nil.
type Services struct {
	DB            *database.DB
	Auth          *auth.Service
	Verification  *verification.Service
	Profiles      *profiles.Service
	CMS           *cms.Service
	Airports      *airports.Store
	Referrals     *referrals.Service
	Spots         *spots.Service
	Plans         *plans.Service
	Connections   *connections.Service
	Moderation    *moderation.Service
	Inbox         *notification.Inbox
	Notifications *notification.Manager
	Scheduler     *scheduler.Scheduler
	Backfill      *places.Backfiller
}

// Handlers contains all HTTP handlers
type Handlers struct {
	Services
}

// New creates a new Handlers instance
func New(svc Services) *Handlers {
	return &Handlers{Services: svc}
}

type errorStatus struct {
	err    error
	status int
}

// errorStatuses maps domain errors onto HTTP status codes. Order matters
// only where one error wraps another.
var errorStatuses = []errorStatus{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrUnauthorized, http.StatusUnauthorized},
	{auth.ErrBanned, http.StatusForbidden},
	{auth.ErrEmailTaken, http.StatusConflict},
	{auth.ErrInvalidReferralCode, http.StatusBadRequest},

	{verification.ErrAlreadyVerified, http.StatusConflict},
	{verification.ErrTooSoon, http.StatusTooManyRequests},
	{verification.ErrRateLimited, http.StatusTooManyRequests},
	{verification.ErrInvalidCode, http.StatusBadRequest},
	{verification.ErrNoActiveCode, http.StatusNotFound},
	{verification.ErrCodeExpired, http.StatusGone},
	{verification.ErrTooManyAttempts, http.StatusTooManyRequests},
	{verification.ErrWrongCode, http.StatusBadRequest},
	{verification.ErrUserNotFound, http.StatusNotFound},

	{profiles.ErrNotFound, http.StatusNotFound},
	{referrals.ErrNotFound, http.StatusNotFound},
	{airports.ErrNotFound, http.StatusNotFound},
	{cms.ErrUnknownAction, http.StatusBadRequest},

	{spots.ErrNotFound, http.StatusNotFound},
	{spots.ErrForbidden, http.StatusForbidden},
	{spots.ErrNotPending, http.StatusConflict},
	{spots.ErrNotApproved, http.StatusConflict},
	{spots.ErrNoUploader, http.StatusServiceUnavailable},
	{spots.ErrCheckinTooSoon, http.StatusTooManyRequests},

	{plans.ErrNotFound, http.StatusNotFound},
	{plans.ErrForbidden, http.StatusForbidden},
	{plans.ErrCancelled, http.StatusConflict},
	{plans.ErrStarted, http.StatusConflict},
	{plans.ErrFull, http.StatusConflict},
	{plans.ErrHostCannotLeave, http.StatusConflict},
	{plans.ErrBlocked, http.StatusForbidden},

	{connections.ErrSelf, http.StatusBadRequest},
	{connections.ErrUserNotFound, http.StatusNotFound},
	{connections.ErrBlocked, http.StatusForbidden},
	{connections.ErrAlreadyConnected, http.StatusConflict},
	{connections.ErrAlreadyRequested, http.StatusConflict},
	{connections.ErrRequestNotFound, http.StatusNotFound},
	{connections.ErrNotPending, http.StatusConflict},
	{connections.ErrNotConnected, http.StatusNotFound},

	{moderation.ErrTargetNotFound, http.StatusNotFound},
	{moderation.ErrReportSelf, http.StatusBadRequest},
	{moderation.ErrAlreadyReported, http.StatusConflict},
	{moderation.ErrNotFound, http.StatusNotFound},
	{moderation.ErrAlreadyResolved, http.StatusConflict},
	{moderation.ErrForbidden, http.StatusForbidden},
	{moderation.ErrSelfAction, http.StatusBadRequest},
	{moderation.ErrUserNotFound, http.StatusNotFound},

	{notification.ErrInvalidPushToken, http.StatusBadRequest},

	{storage.ErrTooLarge, http.StatusRequestEntityTooLarge},
	{storage.ErrEmpty, http.StatusBadRequest},
	{storage.ErrUnsupportedType, http.StatusUnsupportedMediaType},
	{storage.ErrInvalidKey, http.StatusBadRequest},

	{database.ErrUnknownSetting, http.StatusNotFound},
	{database.ErrInvalidSetting, http.StatusBadRequest},

	{scheduler.ErrUnknownJob, http.StatusNotFound},
	{scheduler.ErrAlreadyRunning, http.StatusConflict},
}

// handleError writes the response for err and logs unexpected failures.
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
		return
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var tooSoon *verification.TooSoonError
	if errors.As(err, &tooSoon) {
		setRetryAfter(w, tooSoon.RetryAfter)
	}
	var checkinSoon *spots.CheckinTooSoonError
	if errors.As(err, &checkinSoon) {
		setRetryAfter(w, checkinSoon.RetryAt.Sub(h.DB.Now()))
	}

	for _, es := range errorStatuses {
		if errors.Is(err, es.err) {
			h.jsonError(w, err.Error(), es.status)
			return
		}
	}

	log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	h.jsonError(w, "internal server error", http.StatusInternalServerError)
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// writeJSON sends v with status.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// jsonError sends a JSON error response
func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// jsonSuccess sends a JSON success response
func (h *Handlers) jsonSuccess(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (h *Handlers) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return validate.Errorf("body", "invalid JSON: %v", err)
	}
	return nil
}

// user returns the authenticated user. Routes using it sit behind BearerAuth.
func (h *Handlers) user(r *http.Request) *database.UserRecord {
	return middleware.GetUser(r.Context())
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, validate.Errorf(name, "must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, validate.Errorf(name, "must be an integer")
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, required bool) (float64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		if required {
			return 0, validate.Errorf(name, "is required")
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, validate.Errorf(name, "must be a number")
	}
	return f, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
