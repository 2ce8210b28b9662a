package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/normalize"
)

// TagsHandler serves tag groups and tags. Every mutation invalidates the
// tag index so tag-group conditions see fresh data on next use.
type TagsHandler struct {
	db   *database.DB
	tags *normalize.TagIndex
}

func NewTagsHandler(db *database.DB, tags *normalize.TagIndex) *TagsHandler {
	return &TagsHandler{db: db, tags: tags}
}

func (h *TagsHandler) Routes(r chi.Router) {
	r.Route("/tags", func(r chi.Router) {
		r.Get("/groups", h.listGroups)
		r.Post("/groups", h.createGroup)
		r.Put("/groups/{id}", h.updateGroup)
		r.Delete("/groups/{id}", h.deleteGroup)
		r.Get("/groups/{id}/tags", h.listTags)
		r.Post("/groups/{id}/tags", h.createTag)
		r.Put("/{id}", h.updateTag)
		r.Delete("/{id}", h.deleteTag)
	})
}

func (h *TagsHandler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.db.ListTagGroups(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *TagsHandler) createGroup(w http.ResponseWriter, r *http.Request) {
	var g database.TagGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.Name == "" {
		WriteValidationError(w, "name is required")
		return
	}
	id, err := h.db.CreateTagGroup(r.Context(), g.Name, g.Enabled)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.ID = id
	h.tags.Invalidate()
	WriteJSON(w, http.StatusCreated, g)
}

func (h *TagsHandler) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var g database.TagGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.ID = id
	if err := h.db.UpdateTagGroup(r.Context(), &g); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.tags.InvalidateGroup(id)
	WriteJSON(w, http.StatusOK, g)
}

func (h *TagsHandler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DeleteTagGroup(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.tags.InvalidateGroup(id)
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *TagsHandler) listTags(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	tags, err := h.db.ListTags(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (h *TagsHandler) createTag(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var t database.Tag
	if err := DecodeJSON(r, &t); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.Value == "" {
		WriteValidationError(w, "value is required")
		return
	}
	t.GroupID = groupID
	id, err := h.db.CreateTag(r.Context(), &t)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	t.ID = id
	h.tags.InvalidateGroup(groupID)
	WriteJSON(w, http.StatusCreated, t)
}

func (h *TagsHandler) updateTag(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var t database.Tag
	if err := DecodeJSON(r, &t); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	t.ID = id
	if err := h.db.UpdateTag(r.Context(), &t); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.tags.Invalidate()
	WriteJSON(w, http.StatusOK, t)
}

func (h *TagsHandler) deleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DeleteTag(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.tags.Invalidate()
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
