package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/tasks"
)

type TasksHandler struct {
	db     *database.DB
	engine *tasks.Engine
}

func NewTasksHandler(db *database.DB, engine *tasks.Engine) *TasksHandler {
	return &TasksHandler{db: db, engine: engine}
}

func (h *TasksHandler) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		// Non-parameterized routes come before /{task_id} so they are not
		// swallowed by the wildcard.
		r.Get("/", h.listTasks)
		r.Get("/engine/status", h.engineStatus)
		r.Get("/history/all", h.allHistory)
		r.Get("/parameter-schemas", h.allSchemas)

		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules", h.createSchedule)
		r.Put("/schedules/{id}", h.updateSchedule)
		r.Delete("/schedules/{id}", h.deleteSchedule)
		r.Post("/schedules/cron/preview", h.cronPreview)

		r.Get("/{task_id}", h.getTask)
		r.Patch("/{task_id}", h.updateTask)
		r.Post("/{task_id}/run", h.runTask)
		r.Post("/{task_id}/cancel", h.cancelTask)
		r.Get("/{task_id}/history", h.taskHistory)
	})
}

func (h *TasksHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.ListTasks()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		entry := map[string]any{"definition": def}
		if st, err := h.engine.GetStatus(def.TaskID); err == nil {
			entry["running"] = st.Running
			entry["progress"] = st.Progress
		}
		if cfg, err := h.db.GetScheduledTask(r.Context(), def.TaskID); err == nil && cfg != nil {
			entry["config"] = cfg
		}
		if schedules, err := h.db.ListSchedules(r.Context(), def.TaskID, false); err == nil {
			entry["schedules"] = schedules
		}
		out = append(out, entry)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (h *TasksHandler) engineStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.Status(r.Context()))
}

func (h *TasksHandler) allSchemas(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.ListTasks()
	schemas := make(map[string]any, len(defs))
	for _, def := range defs {
		schemas[def.TaskID] = map[string]any{
			"description": def.Description,
			"parameters":  def.Parameters,
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schemas": schemas})
}

func (h *TasksHandler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	st, err := h.engine.GetStatus(taskID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	cfg, _ := h.db.GetScheduledTask(r.Context(), taskID)
	schedules, _ := h.db.ListSchedules(r.Context(), taskID, false)
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    st,
		"config":    cfg,
		"schedules": schedules,
	})
}

func (h *TasksHandler) updateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if _, err := h.engine.GetStatus(taskID); err != nil {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	var cfg database.ScheduledTask
	if err := DecodeJSON(r, &cfg); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.TaskID = taskID
	if err := h.db.UpsertScheduledTask(r.Context(), &cfg); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.engine.Wake()
	WriteJSON(w, http.StatusOK, cfg)
}

func (h *TasksHandler) runTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var req struct {
		ScheduleID *int64          `json:"schedule_id,omitempty"`
		Parameters map[string]any  `json:"parameters,omitempty"`
	}
	_ = DecodeJSON(r, &req) // body is optional

	params := []byte(nil)
	if req.Parameters != nil {
		params = mustMarshal(req.Parameters)
	}
	run, err := h.engine.Run(r.Context(), taskID, req.ScheduleID, params)
	if errors.Is(err, tasks.ErrUnknownTask) {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}

func (h *TasksHandler) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if !h.engine.Cancel(taskID) {
		WriteError(w, http.StatusNotFound, "task is not running")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *TasksHandler) taskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.engine.History(r.Context(), taskID, p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"history": runs})
}

func (h *TasksHandler) allHistory(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.engine.History(r.Context(), "", p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"history": runs})
}

func (h *TasksHandler) listSchedules(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	schedules, err := h.db.ListSchedules(r.Context(), taskID, false)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (h *TasksHandler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var s database.TaskSchedule
	if err := DecodeJSON(r, &s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, err := h.engine.GetStatus(s.TaskID); err != nil {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := tasks.ValidateSchedule(&s); err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	id, err := h.db.CreateSchedule(r.Context(), &s)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.ID = id
	h.engine.Wake()
	WriteJSON(w, http.StatusCreated, s)
}

func (h *TasksHandler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	existing, err := h.db.GetSchedule(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "schedule not found")
		return
	}
	var s database.TaskSchedule
	if err := DecodeJSON(r, &s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ID = id
	s.TaskID = existing.TaskID
	s.CreatedAt = existing.CreatedAt
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if err := tasks.ValidateSchedule(&s); err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	if err := h.db.UpdateSchedule(r.Context(), &s); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.engine.Wake()
	WriteJSON(w, http.StatusOK, s)
}

func (h *TasksHandler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.DeleteSchedule(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.engine.Wake()
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// cronPreview validates a cron expression and returns its description and
// next fire times for the schedule editor.
func (h *TasksHandler) cronPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
		Count      int    `json:"count,omitempty"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count < 1 || req.Count > 20 {
		req.Count = 5
	}
	next, err := tasks.PreviewCron(req.Expression, time.Now().UTC(), req.Count)
	if err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"expression":  req.Expression,
		"description": tasks.DescribeCron(req.Expression),
		"next_fires":  next,
	})
}
