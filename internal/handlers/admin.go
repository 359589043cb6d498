package handlers

import (
	"context"
	"net/http"
	"time"

	"wuzapi-ai-gateway/internal/events"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker reports whether the relay is reachable.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) bool
}

// AdminHandler serves health and event-sink status.
type AdminHandler struct {
	relay     HealthChecker
	publisher events.Publisher
	started   time.Time
}

// NewAdminHandler builds the handler. A nil publisher reports the sink as disabled.
func NewAdminHandler(relay HealthChecker, publisher events.Publisher) *AdminHandler {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &AdminHandler{relay: relay, publisher: publisher, started: time.Now()}
}

// Health serves GET /health. The gateway is up even when the relay is not;
// that case is reported as degraded.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.relay != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		ok := h.relay.HealthCheck(ctx)
		body["provider"] = map[string]any{"name": h.relay.Name(), "reachable": ok}
		if !ok {
			body["status"] = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, body)
}

// EventsStatus serves GET /admin/events/status.
func (h *AdminHandler) EventsStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.publisher.Status())
}
