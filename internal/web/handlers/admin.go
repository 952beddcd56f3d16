package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/validate"
)

var errNoBackfill = errors.New("photo backfill is not configured")

// PendingSpots lists spots awaiting moderation.
func (h *Handlers) PendingSpots(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	list, err := h.Spots.ListPending(limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// ApproveSpot publishes a pending spot.
func (h *Handlers) ApproveSpot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	spot, err := h.Spots.Approve(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, spot)
}

// RejectSpot declines a pending spot with an optional reason.
func (h *Handlers) RejectSpot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	spot, err := h.Spots.Reject(h.user(r).ID, id, in.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, spot)
}

// ListReports lists reports, filtered by ?status=.
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	list, err := h.Moderation.List(r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// PendingReportCount returns the number of open reports.
func (h *Handlers) PendingReportCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Moderation.PendingCount()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// ResolveReport closes a report as dismissed or actioned.
func (h *Handlers) ResolveReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var in struct {
		Resolution string `json:"resolution"`
		Note       string `json:"note"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	report, err := h.Moderation.Resolve(h.user(r).ID, id, in.Resolution, in.Note)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// BanUser bans (or with {"banned": false} unbans) a user.
func (h *Handlers) BanUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	in := struct {
		Banned *bool `json:"banned"`
	}{}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if in.Banned != nil && !*in.Banned {
		err = h.Moderation.UnbanUser(h.user(r).ID, id)
	} else {
		err = h.Moderation.BanUser(h.user(r).ID, id)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// SetUserAdmin grants or revokes admin rights.
func (h *Handlers) SetUserAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var in struct {
		Admin bool `json:"admin"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Moderation.SetAdmin(h.user(r).ID, id, in.Admin); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// Jobs lists scheduled maintenance jobs.
func (h *Handlers) Jobs(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeJSON(w, http.StatusOK, []any{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// RunJob triggers a job outside its schedule.
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.jsonError(w, "scheduler is not running", http.StatusServiceUnavailable)
		return
	}
	if err := h.Scheduler.RunNow(chi.URLParam(r, "name")); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

// RepairOrphans reports, and unless ?dry_run=true removes, orphaned rows.
func (h *Handlers) RepairOrphans(w http.ResponseWriter, r *http.Request) {
	dryRun := queryBool(r, "dry_run")
	counts, err := h.Moderation.RepairOrphans(dryRun)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dry_run": dryRun, "total": counts.Total(), "counts": counts})
}

// BackfillPhotos fills missing spot photos from Google Places.
func (h *Handlers) BackfillPhotos(w http.ResponseWriter, r *http.Request) {
	if h.Backfill == nil {
		h.jsonError(w, errNoBackfill.Error(), http.StatusServiceUnavailable)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.Backfill.Backfill(r.Context(), limit, queryBool(r, "dry_run"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Healthz reports whether the database is reachable.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Settings lists the tunable settings with their defaults.
func (h *Handlers) Settings(w http.ResponseWriter, r *http.Request) {
	list, err := h.DB.ListSettings()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// UpdateSetting stores {"value": ...} under the key. Changes apply on the next start.
func (h *Handlers) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Value json.RawMessage `json:"value"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(in.Value) == 0 {
		h.handleError(w, r, validate.Errorf("value", "is required"))
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.DB.UpdateSetting(key, in.Value); err != nil {
		h.handleError(w, r, err)
		return
	}
	log.Info().Str("key", key).Int64("admin_id", h.user(r).ID).Msg("Setting updated")
	h.jsonSuccess(w)
}
