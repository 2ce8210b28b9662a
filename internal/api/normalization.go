package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/normalize"
	"github.com/snarg/ecm-engine/internal/upstream"
)

// NormalizationHandler serves rule-group and rule CRUD plus the test and
// statistics endpoints the rule editor uses.
type NormalizationHandler struct {
	db       *database.DB
	engine   *normalize.Engine
	tags     *normalize.TagIndex
	upstream *upstream.Client
}

func NewNormalizationHandler(db *database.DB, engine *normalize.Engine, tags *normalize.TagIndex, up *upstream.Client) *NormalizationHandler {
	return &NormalizationHandler{db: db, engine: engine, tags: tags, upstream: up}
}

func (h *NormalizationHandler) Routes(r chi.Router) {
	r.Route("/normalization", func(r chi.Router) {
		r.Get("/groups", h.listGroups)
		r.Post("/groups", h.createGroup)
		r.Post("/groups/reorder", h.reorderGroups)
		r.Get("/groups/{id}", h.getGroup)
		r.Put("/groups/{id}", h.updateGroup)
		r.Delete("/groups/{id}", h.deleteGroup)
		r.Post("/groups/{id}/rules/reorder", h.reorderRules)

		r.Get("/rules", h.listRules)
		r.Post("/rules", h.createRule)
		r.Get("/rules/{id}", h.getRule)
		r.Put("/rules/{id}", h.updateRule)
		r.Delete("/rules/{id}", h.deleteRule)

		r.Post("/test", h.testRule)
		r.Post("/normalize", h.normalizeBatch)
		r.Get("/stats", h.ruleStats)
	})
}

// loadPipeline assembles the priority-ordered group/rule set.
func (h *NormalizationHandler) loadPipeline(r *http.Request) ([]normalize.GroupRules, error) {
	groups, err := h.db.ListRuleGroups(r.Context())
	if err != nil {
		return nil, err
	}
	rules, err := h.db.ListRules(r.Context(), 0)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[int64][]database.Rule)
	for _, rule := range rules {
		byGroup[rule.GroupID] = append(byGroup[rule.GroupID], rule)
	}
	out := make([]normalize.GroupRules, 0, len(groups))
	for _, g := range groups {
		out = append(out, normalize.GroupRules{Group: g, Rules: byGroup[g.ID]})
	}
	return out, nil
}

func (h *NormalizationHandler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.db.ListRuleGroups(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *NormalizationHandler) getGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, err := h.db.GetRuleGroup(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "rule group not found")
		return
	}
	rules, err := h.db.ListRules(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"group": group, "rules": rules})
}

func (h *NormalizationHandler) createGroup(w http.ResponseWriter, r *http.Request) {
	var g database.RuleGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.Name == "" {
		WriteValidationError(w, "name is required")
		return
	}
	id, err := h.db.CreateRuleGroup(r.Context(), &g)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.ID = id
	WriteJSON(w, http.StatusCreated, g)
}

func (h *NormalizationHandler) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var g database.RuleGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.ID = id
	if err := h.db.UpdateRuleGroup(r.Context(), &g); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, g)
}

func (h *NormalizationHandler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, err := h.db.GetRuleGroup(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "rule group not found")
		return
	}
	if group.IsBuiltin {
		WriteValidationError(w, "builtin rule groups cannot be deleted")
		return
	}
	if err := h.db.DeleteRuleGroup(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *NormalizationHandler) reorderGroups(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.ReorderRuleGroups(r.Context(), req.IDs); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"reordered": true})
}

func (h *NormalizationHandler) listRules(w http.ResponseWriter, r *http.Request) {
	var groupID int64
	if ids := QueryInt64List(r, "group_id"); len(ids) > 0 {
		groupID = ids[0]
	}
	rules, err := h.db.ListRules(r.Context(), groupID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *NormalizationHandler) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := h.db.GetRule(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func validateRule(rule *database.Rule) string {
	if rule.ActionType == "" {
		return "action_type is required"
	}
	if len(rule.Conditions) == 0 && rule.ConditionType == "" {
		return "either conditions or condition_type must be set"
	}
	return ""
}

func (h *NormalizationHandler) createRule(w http.ResponseWriter, r *http.Request) {
	var rule database.Rule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateRule(&rule); msg != "" {
		WriteValidationError(w, msg)
		return
	}
	id, err := h.db.CreateRule(r.Context(), &rule)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rule.ID = id
	WriteJSON(w, http.StatusCreated, rule)
}

func (h *NormalizationHandler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var rule database.Rule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id
	if msg := validateRule(&rule); msg != "" {
		WriteValidationError(w, msg)
		return
	}
	if err := h.db.UpdateRule(r.Context(), &rule); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (h *NormalizationHandler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DeleteRule(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *NormalizationHandler) reorderRules(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.ReorderRules(r.Context(), groupID, req.IDs); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"reordered": true})
}

// testRule evaluates an ad-hoc rule against sample inputs without storing it.
func (h *NormalizationHandler) testRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule   database.Rule `json:"rule"`
		Inputs []string      `json:"inputs"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateRule(&req.Rule); msg != "" {
		WriteValidationError(w, msg)
		return
	}
	req.Rule.ID = -1
	req.Rule.Enabled = true
	groups := []normalize.GroupRules{{
		Group: database.RuleGroup{ID: -1, Enabled: true},
		Rules: []database.Rule{req.Rule},
	}}

	results := make([]normalize.Result, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		results = append(results, h.engine.Run(r.Context(), in, groups))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ruleStats runs the stored pipeline over a sample of current upstream
// stream names and reports per-rule hit counts.
func (h *NormalizationHandler) ruleStats(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}
	streams, err := h.upstream.ListStreams(r.Context(), nil)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if len(streams) > limit {
		streams = streams[:limit]
	}
	pipeline, err := h.loadPipeline(r)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hits := make(map[int64]int)
	changed := 0
	for _, s := range streams {
		res := h.engine.Run(r.Context(), s.Name, pipeline)
		if len(res.Transformations) > 0 {
			changed++
		}
		for _, tr := range res.Transformations {
			hits[tr.RuleID]++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"sampled":         len(streams),
		"streams_changed": changed,
		"rule_hits":       hits,
	})
}

// normalizeBatch runs the full stored pipeline over sample inputs.
func (h *NormalizationHandler) normalizeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Inputs []string `json:"inputs"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	pipeline, err := h.loadPipeline(r)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := make([]normalize.Result, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		results = append(results, h.engine.Run(r.Context(), in, pipeline))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}
