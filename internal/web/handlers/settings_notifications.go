package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

type providerInput struct {
	Type    string            `json:"type"`
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config"`
}

type providerView struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Enabled    bool              `json:"enabled"`
	Registered bool              `json:"registered"`
	Config     map[string]string `json:"config"`
}

// redactedKeys are config entries never echoed back to clients.
var redactedKeys = []string{"webhook_url", "url", "headers"}

func redactConfig(cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, k := range redactedKeys {
		if out[k] != "" {
			out[k] = "********"
		}
	}
	return out
}

// NotificationProviders lists stored alert providers and whether each is
// registered with the dispatcher.
func (h *Handlers) NotificationProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.DB.ListNotificationProviders()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	registered := map[string]bool{}
	if h.Notifications != nil {
		for _, name := range h.Notifications.ListProviders() {
			registered[name] = true
		}
	}

	out := make([]providerView, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerView{
			Name:       p.Name,
			Type:       p.Type,
			Enabled:    p.Enabled,
			Registered: registered[p.Name],
			Config:     redactConfig(p.Config),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// NotificationProviderSave creates or replaces the provider named in the URL.
func (h *Handlers) NotificationProviderSave(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if _, err := validate.Length("name", name, 1, 64); err != nil {
		h.handleError(w, r, err)
		return
	}
	var in providerInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := validate.OneOf("type", in.Type, notification.ProviderTypeDiscord, notification.ProviderTypeWebhook); err != nil {
		h.handleError(w, r, err)
		return
	}
	if in.Config == nil {
		in.Config = map[string]string{}
	}

	candidate := &database.NotificationProvider{Name: name, Type: in.Type, Enabled: in.Enabled, Config: in.Config}
	provider, err := notification.BuildProvider(candidate)
	if err != nil {
		h.handleError(w, r, validate.Errorf("config", "%v", err))
		return
	}

	existing, err := h.DB.GetNotificationProviderByName(name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if existing == nil {
		if err := h.DB.CreateNotificationProvider(candidate); err != nil {
			h.handleError(w, r, err)
			return
		}
		status = http.StatusCreated
	} else {
		candidate.ID = existing.ID
		if err := h.DB.UpdateNotificationProvider(candidate); err != nil {
			h.handleError(w, r, err)
			return
		}
	}

	if h.Notifications != nil {
		h.Notifications.UnregisterProvider(name)
		if candidate.Enabled {
			h.Notifications.RegisterProvider(name, provider)
		}
	}
	log.Info().Str("provider", name).Str("type", in.Type).Bool("enabled", in.Enabled).Msg("Notification provider saved")
	h.writeJSON(w, status, providerView{
		Name:       name,
		Type:       in.Type,
		Enabled:    in.Enabled,
		Registered: h.Notifications != nil && candidate.Enabled,
		Config:     redactConfig(in.Config),
	})
}

// NotificationProviderDelete removes a provider.
func (h *Handlers) NotificationProviderDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok, err := h.DB.DeleteNotificationProvider(name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		h.jsonError(w, "provider not found", http.StatusNotFound)
		return
	}
	if h.Notifications != nil {
		h.Notifications.UnregisterProvider(name)
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotificationProviderTest sends a test message through a registered provider.
func (h *Handlers) NotificationProviderTest(w http.ResponseWriter, r *http.Request) {
	if h.Notifications == nil {
		h.jsonError(w, "notifications are not running", http.StatusServiceUnavailable)
		return
	}
	if err := h.Notifications.TestProvider(chi.URLParam(r, "name")); err != nil {
		h.writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	h.jsonSuccess(w)
}

// NotificationLogs returns recent delivery attempts.
func (h *Handlers) NotificationLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	logs, err := h.DB.ListNotificationLogs(validate.Clamp(limit, 100, 1, 500))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*database.NotificationLog{}
	}
	h.writeJSON(w, http.StatusOK, logs)
}

// NotificationLogsClear deletes delivery attempts older than ?days= (default 0, everything).
func (h *Handlers) NotificationLogsClear(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if days < 0 {
		h.handleError(w, r, validate.Errorf("days", "must not be negative"))
		return
	}
	cutoff := h.DB.Now().Add(time.Minute)
	if days > 0 {
		cutoff = h.DB.Now().AddDate(0, 0, -days)
	}
	n, err := h.DB.ClearNotificationLogs(cutoff)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
