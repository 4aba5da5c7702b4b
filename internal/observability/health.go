package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/lsm/cdctail/internal/source"
)

// HealthServer exposes /healthz and /readyz. The process is ready only while
// a consumer session is in the consuming phase.
type HealthServer struct {
	phase atomic.Int32
}

// NewHealthServer creates a health server in the idle phase.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetPhase records the current session phase.
func (h *HealthServer) SetPhase(p source.Phase) {
	h.phase.Store(int32(p))
}

// Ready reports whether a session is consuming.
func (h *HealthServer) Ready() bool {
	return source.Phase(h.phase.Load()) == source.PhaseConsuming
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	phase := source.Phase(h.phase.Load()).String()
	if h.Ready() {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready", "phase": phase})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "phase": phase})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
