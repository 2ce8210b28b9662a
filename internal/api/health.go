package api

import (
	"net/http"
	"time"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/upstream"
)

type HealthHandler struct {
	db        *database.DB
	upstream  *upstream.Client
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, up *upstream.Client, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, upstream: up, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if err := h.db.HealthCheck(r.Context()); err != nil {
		status = "degraded"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"checks":         checks,
	})
}
