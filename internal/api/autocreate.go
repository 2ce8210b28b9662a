package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/autocreate"
	"github.com/snarg/ecm-engine/internal/database"
)

type AutoCreateHandler struct {
	db       *database.DB
	pipeline *autocreate.Pipeline
}

func NewAutoCreateHandler(db *database.DB, pipeline *autocreate.Pipeline) *AutoCreateHandler {
	return &AutoCreateHandler{db: db, pipeline: pipeline}
}

func (h *AutoCreateHandler) Routes(r chi.Router) {
	r.Route("/auto-creation", func(r chi.Router) {
		r.Get("/rules", h.listRules)
		r.Post("/rules", h.createRule)
		r.Get("/rules/{id}", h.getRule)
		r.Put("/rules/{id}", h.updateRule)
		r.Delete("/rules/{id}", h.deleteRule)

		r.Post("/run", h.run)
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{id}", h.getExecution)
		r.Post("/executions/{id}/rollback", h.rollback)
	})
}

func (h *AutoCreateHandler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.ListAutoCreationRules(r.Context(), false)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// validateRuleBody rejects unknown condition/action discriminants at write
// time.
func validateRuleBody(rule *database.AutoCreationRule) string {
	if rule.Name == "" {
		return "name is required"
	}
	if _, err := autocreate.ParseConditions(rule.Conditions); err != nil {
		return err.Error()
	}
	if _, err := autocreate.ParseActions(rule.Actions); err != nil {
		return err.Error()
	}
	switch rule.SortOrder {
	case "", "asc", "desc":
	default:
		return "sort_order must be asc or desc"
	}
	switch rule.OrphanAction {
	case "", "delete", "keep", "disable":
	default:
		return "orphan_action must be delete, keep, or disable"
	}
	return ""
}

func (h *AutoCreateHandler) createRule(w http.ResponseWriter, r *http.Request) {
	var rule database.AutoCreationRule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateRuleBody(&rule); msg != "" {
		WriteValidationError(w, msg)
		return
	}
	id, err := h.db.CreateAutoCreationRule(r.Context(), &rule)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rule.ID = id
	WriteJSON(w, http.StatusCreated, rule)
}

func (h *AutoCreateHandler) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := h.db.GetAutoCreationRule(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (h *AutoCreateHandler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var rule database.AutoCreationRule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id
	if msg := validateRuleBody(&rule); msg != "" {
		WriteValidationError(w, msg)
		return
	}
	if err := h.db.UpdateAutoCreationRule(r.Context(), &rule); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (h *AutoCreateHandler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DeleteAutoCreationRule(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *AutoCreateHandler) run(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun     bool    `json:"dry_run"`
		AccountIDs []int64 `json:"m3u_account_ids,omitempty"`
		RuleIDs    []int64 `json:"rule_ids,omitempty"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := h.pipeline.Run(r.Context(), autocreate.Options{
		DryRun:      req.DryRun,
		TriggeredBy: "operator",
		AccountIDs:  req.AccountIDs,
		RuleIDs:     req.RuleIDs,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *AutoCreateHandler) listExecutions(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := h.db.ListExecutions(r.Context(), p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (h *AutoCreateHandler) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "execution not found")
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *AutoCreateHandler) rollback(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := h.pipeline.Rollback(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}
