package api

import (
	"net/http"
	"time"

	"github.com/fleetmap-io/relay/internal/relay"
)

// StatusHandler serves the liveness probes consumed by load balancers and
// uptime monitors.
type StatusHandler struct {
	engine *relay.Engine
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine *relay.Engine) *StatusHandler {
	return &StatusHandler{engine: engine}
}

// Root handles GET /: a coarse status view with the tracked driver count and
// process uptime in whole seconds.
func (h *StatusHandler) Root(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	JSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"drivers": stats.Drivers,
		"uptime":  int64(stats.Uptime / time.Second),
	})
}

// Health handles GET /health, the cheap liveness probe.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
