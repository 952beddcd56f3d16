package handlers

import (
	"net/http"
)

// ListConnections returns the caller's accepted connections.
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	list, err := h.Connections.List(h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// PendingConnections returns incoming and outgoing requests.
func (h *Handlers) PendingConnections(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Connections.Pending(h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pending)
}

// RequestConnection sends a connection request.
func (h *Handlers) RequestConnection(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID  int64  `json:"user_id"`
		Message string `json:"message"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.Connections.Request(h.user(r).ID, in.UserID, in.Message)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// AcceptConnection accepts an incoming request.
func (h *Handlers) AcceptConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	req, err := h.Connections.Accept(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// DeclineConnection declines an incoming request.
func (h *Handlers) DeclineConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Connections.Decline(h.user(r).ID, id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// RemoveConnection disconnects from another user.
func (h *Handlers) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	other, err := pathID(r, "userID")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Connections.Remove(h.user(r).ID, other); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockUser blocks another user.
func (h *Handlers) BlockUser(w http.ResponseWriter, r *http.Request) {
	other, err := pathID(r, "userID")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Connections.Block(h.user(r).ID, other); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// UnblockUser lifts a block.
func (h *Handlers) UnblockUser(w http.ResponseWriter, r *http.Request) {
	other, err := pathID(r, "userID")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Connections.Unblock(h.user(r).ID, other); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
