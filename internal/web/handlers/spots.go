package handlers

import (
	"io"
	"mime"
	"net/http"

	"github.com/crewmate/crewmate/internal/spots"
	"github.com/crewmate/crewmate/internal/storage"
	"github.com/crewmate/crewmate/internal/validate"
)

// SubmitSpot proposes a new spot for moderation.
func (h *Handlers) SubmitSpot(w http.ResponseWriter, r *http.Request) {
	var in spots.SubmitInput
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	spot, err := h.Spots.Submit(h.user(r).ID, in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, spot)
}

// ListSpots lists approved spots in a city, optionally by category.
func (h *Handlers) ListSpots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
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
	list, err := h.Spots.ListByCity(q.Get("city"), q.Get("category"), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// GetSpot returns a spot with its reviews.
func (h *Handlers) GetSpot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	view, err := h.Spots.Get(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// CheckIn records a visit, at most once per day per spot.
func (h *Handlers) CheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.Spots.CheckIn(h.user(r).ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// ReviewSpot writes or replaces the caller's review.
func (h *Handlers) ReviewSpot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var in struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := h.decode(r, &in); err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.Spots.Review(h.user(r).ID, id, in.Rating, in.Comment)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, res)
}

// SpotPhoto sets a spot's photo. A JSON body {"photo_url": ...} links an
// existing image; multipart (field "photo") or a raw image body uploads one.
func (h *Handlers) SpotPhoto(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	userID := h.user(r).ID

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var in struct {
			PhotoURL string `json:"photo_url"`
		}
		if err := h.decode(r, &in); err != nil {
			h.handleError(w, r, err)
			return
		}
		if _, err := validate.Length("photo_url", in.PhotoURL, 1, 2048); err != nil {
			h.handleError(w, r, err)
			return
		}
		spot, err := h.Spots.SetPhoto(userID, id, in.PhotoURL)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, spot)
		return

	case "multipart/form-data":
		if err := r.ParseMultipartForm(storage.MaxUploadBytes); err != nil {
			h.handleError(w, r, validate.Errorf("photo", "invalid upload: %v", err))
			return
		}
		defer r.MultipartForm.RemoveAll()
		file, _, err := r.FormFile("photo")
		if err != nil {
			h.handleError(w, r, validate.Errorf("photo", "is required"))
			return
		}
		defer file.Close()
		h.uploadSpotPhoto(w, r, userID, id, file)

	default:
		h.uploadSpotPhoto(w, r, userID, id, r.Body)
	}
}

func (h *Handlers) uploadSpotPhoto(w http.ResponseWriter, r *http.Request, userID, spotID int64, body io.Reader) {
	spot, err := h.Spots.UploadPhoto(r.Context(), userID, spotID, body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, spot)
}
