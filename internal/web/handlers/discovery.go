package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crewmate/crewmate/internal/airports"
)

// AirportSearch matches airports by code, city or name.
func (h *Handlers) AirportSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.Airports.Search(r.URL.Query().Get("q"), limit))
}

// AirportNearest returns the closest airport to lat/lon, or every airport
// within radius_km when it is given.
func (h *Handlers) AirportNearest(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon", true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius_km", false)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if radius > 0 {
		within, err := h.Airports.WithinRadius(lat, lon, radius)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, within)
		return
	}
	nearest, err := h.Airports.Nearest(lat, lon)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nearest)
}

// AirportLookup resolves an IATA or ICAO code.
func (h *Handlers) AirportLookup(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Airports.Lookup(chi.URLParam(r, "code"))
	if !ok {
		h.handleError(w, r, airports.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// CrewInCity lists crew on layover in the airport's city.
func (h *Handlers) CrewInCity(w http.ResponseWriter, r *http.Request) {
	crew, err := h.Profiles.CrewInCity(h.user(r).ID, strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, crew)
}

// CrewNearby lists crew on layover near a coordinate.
func (h *Handlers) CrewNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon", true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius_km", false)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	crew, err := h.Profiles.CrewNearby(h.user(r).ID, lat, lon, radius)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, crew)
}

// ReferralTree returns the caller's downline.
func (h *Handlers) ReferralTree(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", 3)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	tree, err := h.Referrals.Tree(h.user(r).ID, depth)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tree)
}

// ReferralStats summarises the caller's network.
func (h *Handlers) ReferralStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Referrals.Stats(h.user(r).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ReferralLeaderboard ranks users by direct referrals.
func (h *Handlers) ReferralLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	board, err := h.Referrals.Leaderboard(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, board)
}
