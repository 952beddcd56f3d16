package handlers

import (
	"net/http"

	"github.com/crewmate/crewmate/internal/auth"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/profiles"
	"github.com/crewmate/crewmate/internal/web/middleware"
)

type sessionResponse struct {
	Token   string            `json:"token"`
	Session *auth.Session     `json:"session"`
	User    *profiles.Profile `json:"user"`
}

func (h *Handlers) writeSession(w http.ResponseWriter, r *http.Request, status int, user *database.UserRecord, session *auth.Session) {
	profile, err := h.Profiles.Get(user.ID, user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, status, sessionResponse{Token: session.Token, Session: session, User: profile})
}

// Register creates an account and signs it in.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	user, session, err := h.Auth.Register(in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeSession(w, r, http.StatusCreated, user, session)
}

// Login exchanges credentials for a session token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	user, session, err := h.Auth.Login(in.Email, in.Password)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeSession(w, r, http.StatusOK, user, session)
}

// Logout ends the current session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(middleware.GetToken(r.Context())); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// ChangePassword updates the password and signs out other devices.
func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	err := h.Auth.ChangePassword(h.user(r).ID, middleware.GetToken(r.Context()), in.OldPassword, in.NewPassword)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w)
}

// SendVerificationCode emails a fresh code to the current user.
func (h *Handlers) SendVerificationCode(w http.ResponseWriter, r *http.Request) {
	res, err := h.Verification.SendCode(r.Context(), h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// VerifyCode checks a submitted code and marks the email verified.
func (h *Handlers) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.Verification.VerifyCode(h.user(r).ID, in.Code); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}
