package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/cache"
	"github.com/snarg/ecm-engine/internal/csvio"
	"github.com/snarg/ecm-engine/internal/upstream"
	"github.com/snarg/ecm-engine/internal/xmltv"
)

// ChannelsHandler serves CSV import/export and XMLTV synthesis — the two
// document surfaces built from upstream channel data. Channel CRUD itself
// is a passthrough to the upstream and lives there.
type ChannelsHandler struct {
	upstream *upstream.Client
	cache    *cache.Cache
	epg      *xmltv.Engine
}

func NewChannelsHandler(up *upstream.Client, c *cache.Cache, epg *xmltv.Engine) *ChannelsHandler {
	return &ChannelsHandler{upstream: up, cache: c, epg: epg}
}

func (h *ChannelsHandler) Routes(r chi.Router) {
	r.Get("/channels/export.csv", h.exportCSV)
	r.Get("/channels/import/template.csv", h.template)
	r.Post("/channels/import", h.importCSV)
	r.Post("/epg/xmltv", h.generateXMLTV)

	r.Get("/cache/stats", h.cacheStats)
	r.Post("/cache/flush", h.cacheFlush)
}

// listChannelsCached fronts the hot upstream read through the cache.
func (h *ChannelsHandler) listChannelsCached(r *http.Request) ([]upstream.Channel, error) {
	const key = "channels:list"
	if v, ok := h.cache.Get(key); ok {
		return v.([]upstream.Channel), nil
	}
	channels, err := h.upstream.ListChannels(r.Context())
	if err != nil {
		return nil, err
	}
	h.cache.Set(key, channels)
	return channels, nil
}

func (h *ChannelsHandler) exportCSV(w http.ResponseWriter, r *http.Request) {
	channels, err := h.listChannelsCached(r)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="channels.csv"`)
	if err := csvio.Generate(w, channels); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *ChannelsHandler) template(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Write(csvio.Template())
}

// importCSV parses and validates the upload, then creates channels through
// the upstream. Row errors are returned alongside successes.
func (h *ChannelsHandler) importCSV(w http.ResponseWriter, r *http.Request) {
	rows, rowErrs, err := csvio.Parse(r.Body)
	if err != nil {
		WriteValidationError(w, err.Error())
		return
	}

	created := 0
	var applyErrs []string
	for _, row := range rows {
		ch := &upstream.Channel{
			Name:        row.Name,
			GroupName:   row.GroupName,
			TvgID:       row.TvgID,
			GracenoteID: row.GracenoteID,
			LogoURL:     row.LogoURL,
			StreamURLs:  row.StreamURLs,
			Enabled:     true,
		}
		if row.ChannelNumber != "" {
			// validated as a positive number during parse
			if n, err := strconv.ParseFloat(row.ChannelNumber, 64); err == nil {
				ch.ChannelNumber = n
			}
		}
		if _, err := h.upstream.CreateChannel(r.Context(), ch); err != nil {
			applyErrs = append(applyErrs, row.Name+": "+err.Error())
			continue
		}
		created++
	}
	h.cache.InvalidatePrefix("channels:")

	WriteJSON(w, http.StatusOK, map[string]any{
		"created":      created,
		"row_errors":   rowErrs,
		"apply_errors": applyErrs,
	})
}

// generateXMLTV synthesizes guide data for the supplied profiles against
// the current upstream channel set.
func (h *ChannelsHandler) generateXMLTV(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profiles []xmltv.Profile `json:"profiles"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	channels, err := h.listChannelsCached(r)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	infos := make(map[int64]xmltv.ChannelInfo, len(channels))
	for _, ch := range channels {
		infos[ch.ID] = xmltv.ChannelInfo{
			Name:          ch.Name,
			ChannelNumber: ch.ChannelNumber,
		}
	}

	tv, err := h.epg.Generate(req.Profiles, infos, time.Now())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := tv.Marshal()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(out)
}

func (h *ChannelsHandler) cacheStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *ChannelsHandler) cacheFlush(w http.ResponseWriter, r *http.Request) {
	h.cache.Flush()
	WriteJSON(w, http.StatusOK, map[string]bool{"flushed": true})
}
