package store

import (
	"context"
	"sync"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
)

// MemoryStore is the in-memory Store implementation: one process-wide
// mutex guards every mutation, making compare-and-set trivial to reason
// about. Intended for local development and tests, not multi-replica
// production use.
type MemoryStore struct {
	mu          sync.Mutex
	deployments map[string]*deployment.Deployment
	logs        map[string][]deployment.LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: map[string]*deployment.Deployment{},
		logs:        map[string][]deployment.LogEntry{},
	}
}

func (s *MemoryStore) Create(ctx context.Context, d *deployment.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[d.ID]; exists {
		return ErrAlreadyExists
	}
	copyD := *d
	s.deployments[d.ID] = &copyD
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id, ownerHash string) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok || d.OwnerHash != ownerHash {
		return nil, deployment.NewNotFoundError(id)
	}
	copyD := *d
	return &copyD, nil
}

func (s *MemoryStore) GetInternal(ctx context.Context, id string) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, deployment.NewNotFoundError(id)
	}
	copyD := *d
	return &copyD, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, expectedStatus deployment.Status, patch Patch) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, deployment.NewNotFoundError(id)
	}
	if d.Status != expectedStatus {
		return nil, ErrCASMismatch
	}

	applyPatch(d, patch)
	d.UpdatedAt = now()

	copyD := *d
	return &copyD, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, id string, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[id]; !ok {
		return deployment.NewNotFoundError(id)
	}
	s.logs[id] = append(s.logs[id], deployment.LogEntry{
		Timestamp: now(),
		Level:     level,
		Message:   message,
	})
	return nil
}

func (s *MemoryStore) Logs(ctx context.Context, id string) ([]deployment.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[id]
	out := make([]deployment.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) FindReusable(ctx context.Context, fp deployment.Fingerprint) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.OwnerHash != fp.OwnerHash || d.ModelID != fp.ModelID || d.ResolvedTier != fp.GPUTier {
			continue
		}
		if d.Status == deployment.StatusFailed || d.Status == deployment.StatusDeleted || d.Status == deployment.StatusTimeout {
			continue
		}
		copyD := *d
		return &copyD, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context) ([]*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*deployment.Deployment
	for _, d := range s.deployments {
		if !deployment.IsTerminal(d.Status) {
			copyD := *d
			out = append(out, &copyD)
		}
	}
	return out, nil
}

func (s *MemoryStore) Healthy(ctx context.Context) error { return nil }

func applyPatch(d *deployment.Deployment, patch Patch) {
	d.Status = patch.Status
	for k, v := range patch.Fields {
		switch k {
		case "endpoint_id":
			d.EndpointID, _ = v.(string)
		case "endpoint_url":
			d.EndpointURL, _ = v.(string)
		case "endpoint_name":
			d.EndpointName, _ = v.(string)
		case "resolved_tier":
			d.ResolvedTier, _ = v.(string)
		case "provider":
			d.Provider, _ = v.(string)
		case "error":
			d.Error, _ = v.(*deployment.ErrorInfo)
		case "ready_at":
			d.ReadyAt, _ = v.(*time.Time)
		case "attempts":
			d.Attempts, _ = v.([]deployment.Attempt)
		case "min_vram_gb":
			d.MinVRAMGB, _ = v.(int)
		case "s3":
			d.S3, _ = v.(*deployment.S3Credentials)
		}
	}
}

func now() time.Time { return time.Now().UTC() }
