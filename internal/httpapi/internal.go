package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/readiness"
)

type readyCallbackBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// DeploymentReady is the worker-facing inbound readiness callback of
// spec.md §4.9: unauthenticated by default, optionally guarded by a
// shared secret the worker container was given at creation time. It
// always answers 200, even when the deployment has already resolved by
// some other path — the CAS inside the Readiness Monitor makes a
// duplicate or late callback a safe no-op.
func (h *Handler) DeploymentReady(w http.ResponseWriter, r *http.Request) {
	if h.InternalWebhookSecret != "" {
		got := r.Header.Get("X-Internal-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.InternalWebhookSecret)) != 1 {
			writeErr(w, deployment.NewUnauthorizedError("invalid or missing X-Internal-Secret"))
			return
		}
	}

	id := chi.URLParam(r, "id")
	var body readyCallbackBody
	_ = decodeJSON(r, &body) // an empty body is a valid "ready" signal

	_, err := h.Engine.HandleReadinessCallback(r.Context(), id, readiness.CallbackPayload{
		Status: body.Status,
		Error:  body.Error,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
