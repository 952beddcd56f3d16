package handlers

import (
	"net/http"

	"github.com/crewmate/crewmate/internal/moderation"
)

// ListNotifications returns the caller's inbox.
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	list, err := h.Inbox.List(h.user(r).ID, queryBool(r, "unread"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// UnreadCount returns the number of unread notifications.
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Inbox.UnreadCount(h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// MarkNotificationsRead marks the listed notifications read, or all of
// them when "all" is set.
func (h *Handlers) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IDs []int64 `json:"ids"`
		All bool    `json:"all"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	userID := h.user(r).ID
	var n int64
	var err error
	if in.All {
		n, err = h.Inbox.MarkAllRead(userID)
	} else {
		n, err = h.Inbox.MarkRead(userID, in.IDs)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

type pushTokenInput struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterPushToken stores an Expo device token.
func (h *Handlers) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var in pushTokenInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Inbox.RegisterPushToken(h.user(r).ID, in.Token, in.Platform); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// UnregisterPushToken removes an Expo device token.
func (h *Handlers) UnregisterPushToken(w http.ResponseWriter, r *http.Request) {
	var in pushTokenInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Inbox.UnregisterPushToken(h.user(r).ID, in.Token); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FileReport reports a user, spot, plan or review.
func (h *Handlers) FileReport(w http.ResponseWriter, r *http.Request) {
	var in moderation.ReportInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	report, err := h.Moderation.Report(h.user(r).ID, in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, report)
}
