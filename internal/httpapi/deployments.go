package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/engine"
	"github.com/visgate-ai/visgate-deploy-api/internal/idgen"
)

type createDeploymentRequest struct {
	HFModelID      string `json:"hf_model_id"`
	ModelName      string `json:"model_name"`
	Provider       string `json:"provider"`
	UserWebhookURL string `json:"user_webhook_url"`
	GPUTier        string `json:"gpu_tier"`
	HFToken        string `json:"hf_token"`
	CacheScope     string `json:"cache_scope"`

	UserS3URL              string `json:"user_s3_url"`
	UserAWSAccessKeyID     string `json:"user_aws_access_key_id"`
	UserAWSSecretAccessKey string `json:"user_aws_secret_access_key"`
	UserAWSEndpointURL     string `json:"user_aws_endpoint_url"`
}

type createDeploymentResponse struct {
	DeploymentID          string `json:"deployment_id"`
	Status                string `json:"status"`
	ModelID               string `json:"model_id"`
	EstimatedReadySeconds int    `json:"estimated_ready_seconds"`
	WebhookURL            string `json:"webhook_url"`
	CreatedAt             string `json:"created_at"`
}

// estimatedReadySeconds is a static estimate surfaced to callers; the
// gateway does not currently model per-tier download/boot time, so every
// accepted deployment gets the same conservative figure.
const estimatedReadySeconds = 180

func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var body createDeploymentRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, deployment.NewValidationError("malformed JSON body: "+err.Error()))
		return
	}

	if (body.HFModelID == "") == (body.ModelName == "") {
		writeErr(w, deployment.NewValidationError("exactly one of hf_model_id or model_name is required"))
		return
	}

	req := engine.CreateRequest{
		OwnerHash:      ownerFromContext(r),
		RequestID:      middlewareRequestID(r),
		HFModelID:      body.HFModelID,
		ModelNameAlias: body.ModelName,
		ProviderHint:   body.Provider,
		RequestedTier:  body.GPUTier,
		ProviderAPIKey: providerKeyFromContext(r.Context()),
		HFToken:        body.HFToken,
		WebhookURL:     body.UserWebhookURL,
		CacheScope:     deployment.CacheScope(body.CacheScope),

		UserS3URL:              body.UserS3URL,
		UserAWSAccessKeyID:     body.UserAWSAccessKeyID,
		UserAWSSecretAccessKey: body.UserAWSSecretAccessKey,
		UserAWSEndpointURL:     body.UserAWSEndpointURL,
	}

	d, err := h.Engine.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createDeploymentResponse{
		DeploymentID:          d.ID,
		Status:                string(d.Status),
		ModelID:               d.ModelID,
		EstimatedReadySeconds: estimatedReadySeconds,
		WebhookURL:            d.WebhookURL,
		CreatedAt:             d.CreatedAt.Format(rfc3339),
	})
}

type deploymentSnapshot struct {
	*deployment.Deployment
	Logs []deployment.LogEntry `json:"logs"`
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.Store.Get(r.Context(), id, ownerFromContext(r))
	if err != nil {
		writeErr(w, err)
		return
	}

	logs, err := h.Store.Logs(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	limit := h.DefaultLogLimit
	if limit <= 0 {
		limit = 100
	}
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}

	writeJSON(w, http.StatusOK, deploymentSnapshot{Deployment: d, Logs: logs})
}

func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := h.Engine.Delete(r.Context(), id, ownerFromContext(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}
	return json.Unmarshal(body, v)
}

// middlewareRequestID returns the caller-supplied X-Request-Id if present,
// otherwise assigns a fresh one at ingress so every deployment still gets
// a correlation id even when the caller doesn't set the header.
func middlewareRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return idgen.RequestID()
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
