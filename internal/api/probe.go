package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/probe"
	"github.com/snarg/ecm-engine/internal/upstream"
)

type ProbeHandler struct {
	db       *database.DB
	engine   *probe.Engine
	upstream *upstream.Client
	sortCfg  func() probe.SortConfig // assembled from settings at call time
}

func NewProbeHandler(db *database.DB, engine *probe.Engine, up *upstream.Client, sortCfg func() probe.SortConfig) *ProbeHandler {
	return &ProbeHandler{db: db, engine: engine, upstream: up, sortCfg: sortCfg}
}

func (h *ProbeHandler) Routes(r chi.Router) {
	r.Route("/streams", func(r chi.Router) {
		r.Get("/stats", h.listStats)
		r.Get("/stats/{id}", h.getStats)
		r.Post("/stats/reset", h.resetFailures)
		r.Post("/stats/{id}/dismiss", h.dismiss)
		r.Get("/struck-out", h.struckOut)
		r.Post("/struck-out/remove", h.removeStruckOut)
		r.Post("/smart-sort", h.smartSort)
	})
}

func (h *ProbeHandler) listStats(w http.ResponseWriter, r *http.Request) {
	ids := QueryInt64List(r, "stream_ids")
	stats, err := h.db.ListStreamStats(r.Context(), ids)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (h *ProbeHandler) getStats(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := h.db.GetStreamStats(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "no stats for stream")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (h *ProbeHandler) resetFailures(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamIDs []int64 `json:"stream_ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.ResetFailures(r.Context(), req.StreamIDs); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (h *ProbeHandler) dismiss(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DismissStream(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"dismissed": true})
}

func (h *ProbeHandler) struckOut(w http.ResponseWriter, r *http.Request) {
	struck, err := h.engine.StruckOut(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"streams": struck, "count": len(struck)})
}

func (h *ProbeHandler) removeStruckOut(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RemoveStruckOut(r.Context(), h.upstream)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// smartSort orders a channel's streams by the configured keys and returns
// the ordering (the caller applies it via a bulk commit reorder).
func (h *ProbeHandler) smartSort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID int64   `json:"channel_id"`
		StreamIDs []int64 `json:"stream_ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.StreamIDs) == 0 {
		ch, err := h.upstream.GetChannel(r.Context(), req.ChannelID)
		if err != nil {
			WriteError(w, http.StatusNotFound, "channel not found upstream")
			return
		}
		req.StreamIDs = ch.StreamIDs
	}

	streams, err := h.upstream.GetStreamsByIDs(r.Context(), req.StreamIDs)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	stats, err := h.db.ListStreamStats(r.Context(), req.StreamIDs)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	statByID := make(map[int64]database.StreamStats, len(stats))
	for _, s := range stats {
		statByID[s.StreamID] = s
	}

	sortStreams := make([]probe.SortStream, 0, len(req.StreamIDs))
	accountByID := make(map[int64]int64, len(streams))
	for _, s := range streams {
		accountByID[s.ID] = s.M3UAccountID
	}
	for _, id := range req.StreamIDs {
		ss := probe.SortStream{StreamID: id, M3UAccountID: accountByID[id]}
		if st, ok := statByID[id]; ok {
			ss.Resolution = st.Resolution
			ss.BitrateKbps = st.BitrateKbps
			ss.VideoCodec = st.VideoCodec
			ss.Failed = st.ProbeStatus == "failed"
		}
		sortStreams = append(sortStreams, ss)
	}

	ordered := probe.Order(sortStreams, h.sortCfg())
	WriteJSON(w, http.StatusOK, map[string]any{
		"channel_id": req.ChannelID,
		"stream_ids": ordered,
	})
}
