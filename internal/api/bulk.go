package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/bulk"
)

type BulkHandler struct {
	applier *bulk.Applier
}

func NewBulkHandler(applier *bulk.Applier) *BulkHandler {
	return &BulkHandler{applier: applier}
}

func (h *BulkHandler) Routes(r chi.Router) {
	r.Post("/channels/bulk-commit", h.commit)
}

func (h *BulkHandler) commit(w http.ResponseWriter, r *http.Request) {
	var req bulk.Request
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Operations) == 0 && len(req.GroupsToCreate) == 0 {
		WriteValidationError(w, "batch is empty")
		return
	}
	res, err := h.applier.Apply(r.Context(), &req)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	status := http.StatusOK
	if !res.Success && len(res.ValidationIssues) > 0 {
		status = http.StatusBadRequest
	}
	WriteJSON(w, status, res)
}
