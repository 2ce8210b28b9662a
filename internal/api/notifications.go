package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/notify"
)

type NotificationsHandler struct {
	db      *database.DB
	service *notify.Service
}

func NewNotificationsHandler(db *database.DB, service *notify.Service) *NotificationsHandler {
	return &NotificationsHandler{db: db, service: service}
}

func (h *NotificationsHandler) Routes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/read-all", h.markAllRead)
		r.Post("/{id}/read", h.markRead)
		r.Delete("/{id}", h.delete)
		r.Delete("/", h.deleteBySource)
	})
}

func (h *NotificationsHandler) list(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	unreadOnly, _ := QueryBool(r, "unread")
	list, err := h.db.ListNotifications(r.Context(), unreadOnly, p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (h *NotificationsHandler) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	read := true
	if v, ok := QueryBool(r, "read"); ok {
		read = v
	}
	if err := h.db.MarkNotificationRead(r.Context(), id, read); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"read": read})
}

func (h *NotificationsHandler) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.db.MarkAllNotificationsRead(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (h *NotificationsHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DeleteNotification(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *NotificationsHandler) deleteBySource(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		WriteValidationError(w, "source query parameter is required")
		return
	}
	n, err := h.service.DeleteBySource(r.Context(), source, r.URL.Query().Get("source_id"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// EventsHandler streams the notification event bus over SSE.
type EventsHandler struct {
	bus *notify.EventBus
}

func NewEventsHandler(bus *notify.EventBus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.stream)
}

func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.bus.Subscribe()
	defer cancel()

	// Replay missed events on reconnect.
	for _, e := range h.bus.ReplaySince(r.Header.Get("Last-Event-ID")) {
		writeSSE(w, e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e notify.Event) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}
