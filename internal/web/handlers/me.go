package handlers

import (
	"net/http"
	"time"

	"github.com/crewmate/crewmate/internal/profiles"
)

// Me returns the caller's own profile.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	user := h.user(r)
	profile, err := h.Profiles.Get(user.ID, user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// UpdateMe applies a partial profile update. Absent fields are kept and
// null clears a field.
func (h *Handlers) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var patch profiles.Patch
	if err := h.decode(r, &patch); err != nil {
		h.handleError(w, r, err)
		return
	}
	profile, err := h.Profiles.Update(h.user(r).ID, patch)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// SetLayover records where the caller is laying over.
func (h *Handlers) SetLayover(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AirportCode string    `json:"airport_code"`
		ArriveAt    time.Time `json:"arrive_at"`
		DepartAt    time.Time `json:"depart_at"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	layover, err := h.Profiles.SetLayover(h.user(r).ID, in.AirportCode, in.ArriveAt, in.DepartAt)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, layover)
}

// ClearLayover removes the caller's layover.
func (h *Handlers) ClearLayover(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.ClearLayover(h.user(r).ID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MyCMS returns points, level progress and badges.
func (h *Handlers) MyCMS(w http.ResponseWriter, r *http.Request) {
	summary, err := h.CMS.Summary(h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// MyCMSHistory returns the points ledger.
func (h *Handlers) MyCMSHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	entries, err := h.CMS.History(h.user(r).ID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// UserProfile returns another user's public profile.
func (h *Handlers) UserProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	profile, err := h.Profiles.Get(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}
