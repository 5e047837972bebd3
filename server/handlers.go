// Package server exposes the HTTP API: liveness and health probes, relay
// status, metrics, and the deletion webhook fed by the external detector.
// It includes permissive CORS for development and injects correlation IDs
// into request contexts for consistent logging.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/backend/bus"
	"github.com/onnwee/chat-relay/backend/platform"
	"github.com/onnwee/chat-relay/backend/relay"
	"github.com/onnwee/chat-relay/backend/store"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	st       store.Store
	manager  *relay.Manager
	eventBus *bus.Bus
	started  time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(st store.Store, manager *relay.Manager, eventBus *bus.Bus) *Handlers {
	return &Handlers{st: st, manager: manager, eventBus: eventBus, started: time.Now()}
}

// HandleHealthz responds to liveness probe requests by checking store
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.st.CountMappings(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleHealth reports the relay-level health contract: healthy when every
// adapter is connected, degraded when the primary platforms still are,
// unhealthy otherwise. Degraded and healthy both return 200 so probes keep
// the process alive while secondary legs reconnect.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.manager.Health()
	code := http.StatusOK
	if state == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": state})
}

// HandleAPIHealth is the simple liveness contract the external detector
// polls before posting webhooks.
func (h *Handlers) HandleAPIHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadyz responds to readiness probe requests with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error {
			_, err := h.st.CountMappings(r.Context())
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// statusResponse is the /status payload consumed by dashboards.
type statusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Mappings      int64             `json:"mappings"`
	EchoCacheSize int               `json:"echo_cache_size"`
	Adapters      []platform.Status `json:"adapters"`
}

// HandleStatus reports per-adapter connection state, message counters, and
// store totals.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.st.CountMappings(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{
		Status:        h.manager.Health(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Mappings:      mappings,
		EchoCacheSize: h.manager.EchoCacheLen(),
		Adapters:      h.manager.Statuses(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
