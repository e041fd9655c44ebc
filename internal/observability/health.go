package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer serves process liveness and readiness. It says nothing about the
// broker; that is the gateway's /health route.
type HealthServer struct {
	ready atomic.Bool
}

// NewHealthServer creates a health server that starts not ready.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the server as ready (or not) to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Ready reports the current readiness flag.
func (h *HealthServer) Ready() bool {
	return h.ready.Load()
}

// Register mounts /healthz and /readyz on mux.
func (h *HealthServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, "ready")
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, "not ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
