package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/cache"
	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/engine"
	"github.com/visgate-ai/visgate-deploy-api/internal/gpu"
	"github.com/visgate-ai/visgate-deploy-api/internal/hfvalidate"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/registry"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
)

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, modelID, token string) (hfvalidate.Metadata, error) {
	return hfvalidate.Metadata{ModelID: modelID, MinVRAMGB: 8, PipelineTag: registry.TaskText2Img}, nil
}

type stubAdapter struct{}

func (stubAdapter) CreateEndpoint(ctx context.Context, req provider.CreateEndpointRequest) (provider.CreatedEndpoint, error) {
	return provider.CreatedEndpoint{EndpointID: "ep_1", URL: "https://api.provider/v2/ep_1/run"}, nil
}
func (stubAdapter) DeleteEndpoint(ctx context.Context, endpointID string) error { return nil }
func (stubAdapter) ListEndpoints(ctx context.Context) ([]provider.EndpointSummary, error) {
	return nil, nil
}
func (stubAdapter) GetEndpointStatus(ctx context.Context, endpointID string) (provider.EndpointStatus, error) {
	return provider.EndpointStatus{WorkersReady: 1}, nil
}

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	providers := provider.NewRegistry()
	providers.Register("fake", stubAdapter{})

	eng := engine.New(st, providers, gpu.NewRegistry(), stubValidator{}, cache.NewSharedPolicy("", false), nil,
		5*time.Second, 5*time.Millisecond, engine.WorkerDefaults{WorkersMax: 3})

	return &Handler{Engine: eng, Store: st, DefaultLogLimit: 100}, st
}

func doRequest(h *Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-Provider-Api-Key", apiKey)
	}
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func TestAuthenticateRejectsMissingKey(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doRequest(h, http.MethodPost, "/v1/deployments", "", map[string]string{"hf_model_id": "m1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}
}

func TestCreateDeploymentRequiresExactlyOneModelField(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doRequest(h, http.MethodPost, "/v1/deployments", "key-a", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(h, http.MethodPost, "/v1/deployments", "key-a", map[string]string{
		"hf_model_id": "m1", "model_name": "alias",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d for both fields set, body=%s", w.Code, w.Body.String())
	}
}

func TestCreateDeploymentHappyPath(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doRequest(h, http.MethodPost, "/v1/deployments", "key-a", map[string]string{"hf_model_id": "m1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}

	var resp createDeploymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeploymentID == "" || resp.ModelID != "m1" || resp.EstimatedReadySeconds != estimatedReadySeconds {
		t.Fatalf("got %+v", resp)
	}
}

func TestGetDeploymentIsOwnerScoped(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doRequest(h, http.MethodPost, "/v1/deployments", "key-a", map[string]string{"hf_model_id": "m1"})
	var created createDeploymentResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	ok := doRequest(h, http.MethodGet, "/v1/deployments/"+created.DeploymentID, "key-a", nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("owner fetch: got %d, body=%s", ok.Code, ok.Body.String())
	}

	wrongOwner := doRequest(h, http.MethodGet, "/v1/deployments/"+created.DeploymentID, "key-b", nil)
	if wrongOwner.Code != http.StatusNotFound {
		t.Fatalf("cross-owner fetch: got %d, want 404, body=%s", wrongOwner.Code, wrongOwner.Body.String())
	}
}

func TestGetDeploymentNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doRequest(h, http.MethodGet, "/v1/deployments/dep_nonexistent", "key-a", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}
}

func TestDeleteDeploymentIsIdempotent(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doRequest(h, http.MethodPost, "/v1/deployments", "key-a", map[string]string{"hf_model_id": "m1"})
	var created createDeploymentResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	for i := 0; i < 2; i++ {
		del := doRequest(h, http.MethodDelete, "/v1/deployments/"+created.DeploymentID, "key-a", nil)
		if del.Code != http.StatusNoContent {
			t.Fatalf("delete #%d: got %d, body=%s", i, del.Code, del.Body.String())
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h, _ := newTestHandler(t)
	health := doRequest(h, http.MethodGet, "/health", "", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("health: got %d", health.Code)
	}
	ready := doRequest(h, http.MethodGet, "/readiness", "", nil)
	if ready.Code != http.StatusOK {
		t.Fatalf("readiness: got %d", ready.Code)
	}
}

func TestDeploymentReadyRequiresSharedSecretWhenConfigured(t *testing.T) {
	h, st := newTestHandler(t)
	h.InternalWebhookSecret = "topsecret"

	d := &deployment.Deployment{
		ID: "dep_manual_1", OwnerHash: "owner-a", ModelID: "m1",
		Status: deployment.StatusCreatingEndpoint, CreatedAt: time.Now().UTC(),
	}
	if err := st.Create(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/deployment-ready/dep_manual_1", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: got %d, body=%s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/deployment-ready/dep_manual_1", bytes.NewReader(nil))
	req.Header.Set("X-Internal-Secret", "topsecret")
	w = httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("correct secret: got %d, body=%s", w.Code, w.Body.String())
	}
}
