package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/cache"
	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/gpu"
	"github.com/visgate-ai/visgate-deploy-api/internal/hfvalidate"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/registry"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
)

// newOKWebhookServer starts a server that always answers 200, so a
// deployment's webhook delivery never races its own test assertions into
// webhook_failed.
func newOKWebhookServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// fakeValidator answers Validate from a fixed table, so tests never touch
// the network.
type fakeValidator struct {
	minVRAMGB map[string]int
	err       map[string]error
}

func (f *fakeValidator) Validate(ctx context.Context, modelID, token string) (hfvalidate.Metadata, error) {
	if err, ok := f.err[modelID]; ok {
		return hfvalidate.Metadata{}, err
	}
	return hfvalidate.Metadata{ModelID: modelID, MinVRAMGB: f.minVRAMGB[modelID], PipelineTag: registry.PipelineTag("text-to-image")}, nil
}

// fakeAdapter simulates a Provider Adapter: createErrors maps a tier id to
// the error CreateEndpoint should return for it (nil/absent means
// success), so tests can exercise the cost-ordered fallback loop without a
// real backend.
type fakeAdapter struct {
	createErrors map[string]error
	created      []string
	deletedIDs   []string
}

func (f *fakeAdapter) CreateEndpoint(ctx context.Context, req provider.CreateEndpointRequest) (provider.CreatedEndpoint, error) {
	f.created = append(f.created, req.GPUTier)
	if err, ok := f.createErrors[req.GPUTier]; ok && err != nil {
		return provider.CreatedEndpoint{}, err
	}
	return provider.CreatedEndpoint{EndpointID: "ep_1", URL: "https://api.provider/v2/ep_1/run"}, nil
}
func (f *fakeAdapter) DeleteEndpoint(ctx context.Context, endpointID string) error {
	f.deletedIDs = append(f.deletedIDs, endpointID)
	return nil
}
func (f *fakeAdapter) ListEndpoints(ctx context.Context) ([]provider.EndpointSummary, error) {
	return nil, nil
}
func (f *fakeAdapter) GetEndpointStatus(ctx context.Context, endpointID string) (provider.EndpointStatus, error) {
	return provider.EndpointStatus{WorkersReady: 1}, nil
}

func newTestEngine(t *testing.T, validator hfvalidate.Validator, adapter provider.Adapter) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	providers := provider.NewRegistry()
	providers.Register("fake", adapter)

	e := New(st, providers, gpu.NewRegistry(), validator, cache.NewSharedPolicy("", false), nil,
		5*time.Second, 5*time.Millisecond, WorkerDefaults{WorkersMax: 3})
	return e, st
}

func waitForStatus(t *testing.T, st store.Store, id string, want deployment.Status, timeout time.Duration) *deployment.Deployment {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := st.GetInternal(context.Background(), id)
		if err == nil && (d.Status == want || deployment.IsTerminal(d.Status)) {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment %s did not reach %q within %v", id, want, timeout)
	return nil
}

func TestSubmitHappyPathReachesReady(t *testing.T) {
	validator := &fakeValidator{minVRAMGB: map[string]int{"stabilityai/sd-turbo": 8}}
	adapter := &fakeAdapter{}
	e, st := newTestEngine(t, validator, adapter)

	d, err := e.Submit(context.Background(), CreateRequest{
		OwnerHash:      "owner-a",
		HFModelID:      "stabilityai/sd-turbo",
		RequestedTier:  "A10",
		ProviderAPIKey: "key-a",
		WebhookURL:     newOKWebhookServer(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitForStatus(t, st, d.ID, deployment.StatusReady, 2*time.Second)
	if final.Status != deployment.StatusReady {
		t.Fatalf("got %q, error=%+v", final.Status, final.Error)
	}
	if final.EndpointURL == "" {
		t.Error("expected endpoint_url to be populated")
	}
	if final.ReadyAt == nil || final.ReadyAt.Before(final.CreatedAt) {
		t.Errorf("expected ready_at >= created_at, got %v", final.ReadyAt)
	}

	logs, _ := st.Logs(context.Background(), d.ID)
	var sawCreating, sawReady bool
	for _, l := range logs {
		if l.Message == "endpoint ready" {
			sawReady = true
		}
	}
	for _, tier := range adapter.created {
		if tier == "AMPERE_24" {
			sawCreating = true
		}
	}
	if !sawCreating || !sawReady {
		t.Errorf("expected a create call on AMPERE_24 and an \"endpoint ready\" log entry, created=%v sawReady=%v", adapter.created, sawReady)
	}
}

func TestSubmitFallsBackOnCapacityError(t *testing.T) {
	validator := &fakeValidator{minVRAMGB: map[string]int{"m1": 16}}
	adapter := &fakeAdapter{createErrors: map[string]error{
		"AMPERE_16": &provider.CapacityError{Provider: "fake", Tier: "AMPERE_16", Cause: context.DeadlineExceeded},
	}}
	e, st := newTestEngine(t, validator, adapter)

	d, err := e.Submit(context.Background(), CreateRequest{OwnerHash: "owner-a", HFModelID: "m1", ProviderAPIKey: "key-a", WebhookURL: newOKWebhookServer(t)})
	if err != nil {
		t.Fatal(err)
	}

	final := waitForStatus(t, st, d.ID, deployment.StatusReady, 2*time.Second)
	if final.Status != deployment.StatusReady {
		t.Fatalf("got %q, error=%+v", final.Status, final.Error)
	}
	if len(adapter.created) < 2 {
		t.Fatalf("expected at least 2 create attempts across tiers, got %v", adapter.created)
	}
	if final.ResolvedTier == "AMPERE_16" {
		t.Errorf("expected a tier other than the one that returned capacity error, got %q", final.ResolvedTier)
	}
}

func TestSubmitUnsupportedRequestedTierFails(t *testing.T) {
	validator := &fakeValidator{minVRAMGB: map[string]int{"black-forest-labs/FLUX.1-dev": 28}}
	adapter := &fakeAdapter{}
	e, st := newTestEngine(t, validator, adapter)

	d, err := e.Submit(context.Background(), CreateRequest{
		OwnerHash:     "owner-a",
		HFModelID:     "black-forest-labs/FLUX.1-dev",
		RequestedTier: "A10",
		ProviderAPIKey: "key-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitForStatus(t, st, d.ID, deployment.StatusFailed, 2*time.Second)
	if final.Status != deployment.StatusFailed {
		t.Fatalf("got %q", final.Status)
	}
	if final.Error == nil || final.Error.Kind != string(deployment.KindUnsupportedGPU) {
		t.Fatalf("got error=%+v", final.Error)
	}
	if len(adapter.created) != 0 {
		t.Errorf("expected no endpoint creation attempt, got %v", adapter.created)
	}
}

func TestDeleteIsIdempotentAndCallsProviderDeleteAtMostOnce(t *testing.T) {
	validator := &fakeValidator{minVRAMGB: map[string]int{"m1": 8}}
	adapter := &fakeAdapter{}
	e, st := newTestEngine(t, validator, adapter)

	d, err := e.Submit(context.Background(), CreateRequest{OwnerHash: "owner-a", HFModelID: "m1", ProviderAPIKey: "key-a", WebhookURL: newOKWebhookServer(t)})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, st, d.ID, deployment.StatusReady, 2*time.Second)

	for i := 0; i < 3; i++ {
		got, err := e.Delete(context.Background(), d.ID, "owner-a")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != deployment.StatusDeleted {
			t.Fatalf("got %q", got.Status)
		}
	}
	if len(adapter.deletedIDs) != 1 {
		t.Errorf("expected exactly 1 provider delete call, got %d", len(adapter.deletedIDs))
	}
}

func TestCacheScopePrivateRequiresS3Fields(t *testing.T) {
	validator := &fakeValidator{}
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, validator, adapter)

	_, err := e.Submit(context.Background(), CreateRequest{
		OwnerHash:      "owner-a",
		HFModelID:      "m1",
		ProviderAPIKey: "key-a",
		CacheScope:     deployment.CachePrivate,
	})
	de, ok := err.(*deployment.Error)
	if !ok || de.Kind != deployment.KindValidation {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
}
