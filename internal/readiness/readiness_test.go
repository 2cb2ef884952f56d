package readiness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
)

func newWaitingDeployment(s store.Store, id string) {
	d := &deployment.Deployment{
		ID:        id,
		OwnerHash: "owner-a",
		ModelID:   "m1",
		Status:    deployment.StatusValidating,
		CreatedAt: time.Now().UTC(),
	}
	s.Create(context.Background(), d)
	s.Update(context.Background(), id, deployment.StatusValidating, store.Patch{Status: deployment.StatusSelectingGPU})
	s.Update(context.Background(), id, deployment.StatusSelectingGPU, store.Patch{Status: deployment.StatusCreatingEndpoint})
}

func TestMarkReadySetsReadyAtAndFiresOnReadyOnce(t *testing.T) {
	s := store.NewMemoryStore()
	newWaitingDeployment(s, "dep-1")

	var fired int32
	m := NewMonitor(s)
	m.OnReady = func(ctx context.Context, d *deployment.Deployment) { atomic.AddInt32(&fired, 1) }

	d, won, err := m.MarkReady(context.Background(), "dep-1")
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Error("expected this call to win the CAS")
	}
	if d.Status != deployment.StatusReady || d.ReadyAt == nil {
		t.Fatalf("got status=%q ready_at=%v", d.Status, d.ReadyAt)
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("expected OnReady fired exactly once, got %d", fired)
	}
}

func TestConcurrentMarkReadyOnlyOneWinnerOneReadyAt(t *testing.T) {
	s := store.NewMemoryStore()
	newWaitingDeployment(s, "dep-1")

	var wins int32
	m := NewMonitor(s)
	m.OnReady = func(ctx context.Context, d *deployment.Deployment) { atomic.AddInt32(&wins, 1) }

	const n = 10
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			m.MarkReady(context.Background(), "dep-1")
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 OnReady call, got %d", wins)
	}
}

func TestMarkReadyOnTerminalDeploymentIsNoOp(t *testing.T) {
	s := store.NewMemoryStore()
	newWaitingDeployment(s, "dep-1")
	s.Update(context.Background(), "dep-1", deployment.StatusCreatingEndpoint, store.Patch{Status: deployment.StatusDeleted})

	m := NewMonitor(s)
	d, won, err := m.MarkReady(context.Background(), "dep-1")
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("expected no winner against an already-terminal deployment")
	}
	if d.Status != deployment.StatusDeleted {
		t.Errorf("got %q", d.Status)
	}
}

func TestHandleCallbackFailedTransitionsToFailed(t *testing.T) {
	s := store.NewMemoryStore()
	newWaitingDeployment(s, "dep-1")

	m := NewMonitor(s)
	d, err := m.HandleCallback(context.Background(), "dep-1", CallbackPayload{Status: "failed", Error: "out of memory"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != deployment.StatusFailed {
		t.Fatalf("got %q", d.Status)
	}
	if d.Error == nil || d.Error.Message == "" {
		t.Errorf("expected populated error info, got %+v", d.Error)
	}
}

type fakeAdapter struct {
	statuses []provider.EndpointStatus
	calls    int
}

func (f *fakeAdapter) CreateEndpoint(ctx context.Context, req provider.CreateEndpointRequest) (provider.CreatedEndpoint, error) {
	return provider.CreatedEndpoint{}, nil
}
func (f *fakeAdapter) DeleteEndpoint(ctx context.Context, endpointID string) error { return nil }
func (f *fakeAdapter) ListEndpoints(ctx context.Context) ([]provider.EndpointSummary, error) {
	return nil, nil
}
func (f *fakeAdapter) GetEndpointStatus(ctx context.Context, endpointID string) (provider.EndpointStatus, error) {
	i := f.calls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.calls++
	return f.statuses[i], nil
}

func TestPollConvergesOnWorkersReady(t *testing.T) {
	s := store.NewMemoryStore()
	newWaitingDeployment(s, "dep-1")

	m := NewMonitor(s)
	m.PollInterval = 5 * time.Millisecond
	adapter := &fakeAdapter{statuses: []provider.EndpointStatus{
		{WorkersReady: 0},
		{WorkersReady: 0},
		{WorkersReady: 1},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := m.Poll(ctx, "dep-1", "ep-1", adapter)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != deployment.StatusReady {
		t.Fatalf("got %q", d.Status)
	}
}

func TestPollStopsWhenDeploymentResolvedElsewhere(t *testing.T) {
	s := store.NewMemoryStore()
	newWaitingDeployment(s, "dep-1")

	m := NewMonitor(s)
	m.PollInterval = 5 * time.Millisecond
	adapter := &fakeAdapter{statuses: []provider.EndpointStatus{{WorkersReady: 0}}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.MarkReady(context.Background(), "dep-1")
	}()

	d, err := m.Poll(ctx, "dep-1", "ep-1", adapter)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != deployment.StatusReady {
		t.Fatalf("got %q", d.Status)
	}
}
