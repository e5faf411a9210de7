package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// HealthHandler serves the three health probes. Alive only proves the
// process is up; Ready additionally pings the database; Started reports
// whether startup (migrations, recount, background jobs) finished.
type HealthHandler struct {
	database *gorm.DB
	started  atomic.Bool
}

// NewHealthHandler creates the health handler. Call MarkStarted once
// startup completes.
func NewHealthHandler(database *gorm.DB) *HealthHandler {
	return &HealthHandler{database: database}
}

// MarkStarted flips the started probe to healthy.
func (h *HealthHandler) MarkStarted() {
	h.started.Store(true)
}

// Alive handles GET /health/alive.
func (h *HealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Ready handles GET /health/ready: 503 when the database is unreachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := db.Ping(ctx, h.database); err != nil {
		Error(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "database unavailable", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Started handles GET /health/started: 503 until startup completed.
func (h *HealthHandler) Started(w http.ResponseWriter, r *http.Request) {
	if !h.started.Load() {
		Error(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "still starting", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
