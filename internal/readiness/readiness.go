// Package readiness converges a deployment from its waiting phases
// (creating_endpoint, downloading_model, loading_model) to ready, along
// whichever of two paths fires first: an inbound callback from the worker
// container, or an outbound poll of the Provider Adapter. Both paths share
// one compare-and-set on the deployment's status, which is the
// correctness boundary, not the order in which they happen to run.
package readiness

import (
	"context"
	"errors"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
)

// waitingStatuses are the only states the Monitor is allowed to move out
// of. A CAS attempted from any other status is a no-op: either the
// deployment already reached a terminal status, or it hasn't been
// created yet by the engine.
var waitingStatuses = map[deployment.Status]bool{
	deployment.StatusCreatingEndpoint: true,
	deployment.StatusDownloadingModel: true,
	deployment.StatusLoadingModel:     true,
}

// CallbackPayload is what the worker container's inbound ping carries.
type CallbackPayload struct {
	// Status, if set, is one of "ready", "failed", "downloading_model", or
	// "loading_model" — the worker's own view of its progress. A missing
	// or unrecognized value is treated as "ready", since the existence of
	// the callback at all is itself the readiness signal in the simplest
	// worker images.
	Status string
	Error  string
}

// Monitor drives the convergence. OnReady, if set, is invoked exactly once
// per deployment, the moment either path wins the race to transition it to
// ready — never for a CAS that turns out to be a no-op.
type Monitor struct {
	Store        store.Store
	PollInterval time.Duration
	// StableTicks is how many consecutive polls must observe
	// WorkersReady >= 1 before the poller calls it ready. Defaults to 1
	// (no stability window) if zero.
	StableTicks int
	OnReady     func(ctx context.Context, d *deployment.Deployment)
}

// NewMonitor returns a Monitor with the spec's default 5s poll interval
// and no stability window.
func NewMonitor(s store.Store) *Monitor {
	return &Monitor{Store: s, PollInterval: 5 * time.Second, StableTicks: 1}
}

// HandleCallback processes the worker's inbound ping. It honors the CAS:
// if the deployment isn't currently in a waiting status, it changes
// nothing and reports no error — the duplicate-trigger case in spec §4.8's
// idempotence requirement.
func (m *Monitor) HandleCallback(ctx context.Context, id string, payload CallbackPayload) (*deployment.Deployment, error) {
	switch payload.Status {
	case "failed":
		return m.markFailed(ctx, id, payload.Error)
	case "downloading_model":
		return m.refinePhase(ctx, id, deployment.StatusDownloadingModel)
	case "loading_model":
		return m.refinePhase(ctx, id, deployment.StatusLoadingModel)
	default:
		d, _, err := m.MarkReady(ctx, id)
		return d, err
	}
}

// MarkReady performs the ready transition's CAS, retrying against a fresh
// read on a losing race (another poll tick or callback got there first)
// until either it wins, or the current status is no longer a waiting one.
// The returned bool reports whether this call is the one that won.
func (m *Monitor) MarkReady(ctx context.Context, id string) (*deployment.Deployment, bool, error) {
	for {
		current, err := m.Store.GetInternal(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !waitingStatuses[current.Status] {
			return current, false, nil
		}

		readyAt := time.Now().UTC()
		updated, err := m.Store.Update(ctx, id, current.Status, store.Patch{
			Status: deployment.StatusReady,
			Fields: map[string]any{"ready_at": &readyAt},
		})
		if err == store.ErrCASMismatch {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if m.OnReady != nil {
			m.OnReady(ctx, updated)
		}
		return updated, true, nil
	}
}

func (m *Monitor) markFailed(ctx context.Context, id string, reason string) (*deployment.Deployment, error) {
	current, err := m.Store.GetInternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !waitingStatuses[current.Status] {
		return current, nil
	}
	if reason == "" {
		reason = "worker reported a failure with no further detail"
	}
	updated, err := m.Store.Update(ctx, id, current.Status, store.Patch{
		Status: deployment.StatusFailed,
		Fields: map[string]any{"error": deployment.ToErrorInfo(deployment.NewProviderError("worker", errors.New(reason)))},
	})
	if err == store.ErrCASMismatch {
		return m.Store.GetInternal(ctx, id)
	}
	return updated, err
}

// refinePhase advances the collapsed downloading/loading wait into a more
// specific observable phase per the worker's own hint, per spec.md §9's
// "implement as collapsed with an optional refinement hook." A losing CAS
// is silently ignored: the phase distinction is informational only, never
// load-bearing for correctness.
func (m *Monitor) refinePhase(ctx context.Context, id string, to deployment.Status) (*deployment.Deployment, error) {
	current, err := m.Store.GetInternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !deployment.CanTransition(current.Status, to) {
		return current, nil
	}
	updated, err := m.Store.Update(ctx, id, current.Status, store.Patch{Status: to})
	if err == store.ErrCASMismatch {
		return m.Store.GetInternal(ctx, id)
	}
	return updated, err
}

// Poll is the outbound fallback path: it ticks the Provider Adapter's
// GetEndpointStatus until workers_ready holds for StableTicks consecutive
// ticks, the deployment resolves some other way (callback, delete), or ctx
// is done (cancellation or the engine's phase-budget deadline). It is safe
// to run concurrently with an inbound callback racing for the same id —
// MarkReady's CAS is what decides the winner.
func (m *Monitor) Poll(ctx context.Context, id, endpointID string, adapter provider.Adapter) (*deployment.Deployment, error) {
	interval := m.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stableTicks := m.StableTicks
	if stableTicks <= 0 {
		stableTicks = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			current, err := m.Store.GetInternal(ctx, id)
			if err != nil {
				return nil, err
			}
			if !waitingStatuses[current.Status] {
				// Already resolved by the callback path, or deleted out
				// from under us.
				return current, nil
			}

			status, err := adapter.GetEndpointStatus(ctx, endpointID)
			if err != nil {
				continue
			}
			if status.WorkersReady >= 1 {
				consecutive++
			} else {
				consecutive = 0
			}
			if consecutive < stableTicks {
				continue
			}

			updated, _, err := m.MarkReady(ctx, id)
			if err != nil {
				return nil, err
			}
			return updated, nil
		}
	}
}
