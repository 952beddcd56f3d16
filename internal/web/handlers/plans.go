package handlers

import (
	"net/http"

	"github.com/crewmate/crewmate/internal/plans"
)

// CreatePlan schedules a meetup hosted by the caller.
func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var in plans.CreateInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	plan, err := h.Plans.Create(h.user(r).ID, in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, plan)
}

// ListPlans lists upcoming plans the caller can see, optionally in a city.
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	list, err := h.Plans.ListUpcoming(h.user(r).ID, r.URL.Query().Get("city"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// MyPlans lists plans the caller hosts or attends.
func (h *Handlers) MyPlans(w http.ResponseWriter, r *http.Request) {
	list, err := h.Plans.MyPlans(h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// GetPlan returns a plan with its host and attendees.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	details, err := h.Plans.Get(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, details)
}

// JoinPlan adds the caller to a plan.
func (h *Handlers) JoinPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	plan, err := h.Plans.Join(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// LeavePlan removes the caller from a plan.
func (h *Handlers) LeavePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Plans.Leave(h.user(r).ID, id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// InvitePlan invites users to a plan the caller hosts.
func (h *Handlers) InvitePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var in struct {
		UserIDs []int64 `json:"user_ids"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	invited, err := h.Plans.Invite(h.user(r).ID, id, in.UserIDs)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if invited == nil {
		invited = []int64{}
	}
	h.writeJSON(w, http.StatusOK, map[string][]int64{"invited": invited})
}

// CancelPlan cancels a plan the caller hosts.
func (h *Handlers) CancelPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Plans.Cancel(h.user(r).ID, id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}
