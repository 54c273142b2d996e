package server

import (
	"fmt"
	"net/http"

	"github.com/onnwee/stream-herald/supervisor"
)

// HandleHealthz is the liveness probe: the store must answer.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports store health and each supervised domain. Any domain
// that is not connected makes the service not ready.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	domains := make(map[string]string, len(h.domains))
	var failed []string
	for _, d := range h.domains {
		st := d.State()
		domains[d.Domain()] = st.String()
		if st != supervisor.StateConnected {
			failed = append(failed, d.Domain())
		}
	}

	resp := map[string]any{"status": "ready", "domains": domains}
	if err := h.store.Ping(r.Context()); err != nil {
		resp["status"] = "not_ready"
		resp["failed_check"] = "store"
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if len(failed) > 0 {
		resp["status"] = "not_ready"
		resp["failed_check"] = "supervisor"
		resp["error"] = fmt.Sprintf("domains not connected: %v", failed)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
