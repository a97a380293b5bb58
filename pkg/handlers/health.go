package handlers

import (
	"net/http"

	"github.com/storyforge-ai/story-engine/pkg/database"
)

// HealthHandler reports process and database liveness.
type HealthHandler struct {
	db      *database.DB
	version string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *database.DB, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "version": h.version})
}
