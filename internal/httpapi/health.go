package httpapi

import "net/http"

// Health is a liveness probe: always 200 once the process is serving
// traffic.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness is a dependency probe: 200 only while the Store answers, 503
// otherwise, so an orchestrator can hold traffic back from an instance
// that can't durably accept deployments.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
