package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
)

// streamPollInterval is how often StreamDeployment re-reads the Store
// looking for a status change. The gateway has no push path straight from
// the engine to an individual SSE connection, so this polls like the
// outbound Readiness Monitor does, just at a tighter cadence suited to a
// live client.
const streamPollInterval = 1 * time.Second

// StreamDeployment emits one server-sent event per observed status
// change, ending the stream the moment the deployment reaches a terminal
// status (after emitting that final event).
func (h *Handler) StreamDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := ownerFromContext(r)

	d, err := h.Store.Get(r.Context(), id, owner)
	if err != nil {
		writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, deployment.NewValidationError("streaming unsupported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, d)
	flusher.Flush()
	if deployment.IsTerminal(d.Status) {
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	lastStatus := d.Status
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			current, err := h.Store.Get(r.Context(), id, owner)
			if err != nil {
				return
			}
			if current.Status == lastStatus {
				continue
			}
			lastStatus = current.Status
			writeSSE(w, current)
			flusher.Flush()
			if deployment.IsTerminal(current.Status) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, d *deployment.Deployment) {
	fmt.Fprintf(w, "event: deployment.status\ndata: {\"status\":%q,\"deployment_id\":%q}\n\n", d.Status, d.ID)
}
