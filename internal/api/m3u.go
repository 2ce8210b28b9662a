package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/m3u"
)

type M3UHandler struct {
	db         *database.DB
	detector   *m3u.Detector
	dispatcher *m3u.Dispatcher
}

func NewM3UHandler(db *database.DB, detector *m3u.Detector, dispatcher *m3u.Dispatcher) *M3UHandler {
	return &M3UHandler{db: db, detector: detector, dispatcher: dispatcher}
}

func (h *M3UHandler) Routes(r chi.Router) {
	r.Route("/m3u", func(r chi.Router) {
		r.Get("/changes", h.listChanges)
		r.Get("/changes/summary", h.changeSummary)
		r.Get("/snapshots", h.listSnapshots)
		r.Post("/accounts/{id}/detect", h.detect)

		r.Get("/digest/settings", h.getDigestSettings)
		r.Put("/digest/settings", h.updateDigestSettings)
		r.Post("/digest/test", h.testDigest)
	})
}

func (h *M3UHandler) accountID(r *http.Request) int64 {
	if ids := QueryInt64List(r, "account_id"); len(ids) > 0 {
		return ids[0]
	}
	return 0
}

func (h *M3UHandler) listChanges(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid since: want RFC 3339")
			return
		}
	}
	changes, err := h.db.ListChangeLogs(r.Context(), h.accountID(r), since, p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (h *M3UHandler) changeSummary(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid since: want RFC 3339")
			return
		}
		since = t
	}
	summary, err := h.db.ChangeSummary(r.Context(), h.accountID(r), since)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *M3UHandler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	snaps, err := h.db.ListSnapshots(r.Context(), h.accountID(r), p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (h *M3UHandler) detect(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	cs, err := h.detector.Detect(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cs)
}

func (h *M3UHandler) getDigestSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetDigestSettings(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

func (h *M3UHandler) updateDigestSettings(w http.ResponseWriter, r *http.Request) {
	var settings database.DigestSettings
	if err := DecodeJSON(r, &settings); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !m3u.ValidFrequency(settings.Frequency) {
		WriteValidationError(w, "frequency must be immediate, hourly, daily, or weekly")
		return
	}
	if settings.MinChangesThreshold < 1 {
		WriteValidationError(w, "min_changes_threshold must be >= 1")
		return
	}
	if err := m3u.ValidatePatterns(settings.ExcludeGroupPatterns); err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	if err := m3u.ValidatePatterns(settings.ExcludeStreamPatterns); err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	if err := h.db.UpdateDigestSettings(r.Context(), &settings); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

func (h *M3UHandler) testDigest(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Dispatch(r.Context(), true)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
