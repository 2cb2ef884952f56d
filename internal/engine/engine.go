// Package engine implements the Lifecycle Engine, the state machine that
// drives one deployment from acceptance through to a ready (or failed)
// endpoint. It is the heart of the gateway: every other component —
// registries, selector, provider adapters, validator, store, readiness
// monitor, webhook dispatcher — exists to be orchestrated by this package.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/cache"
	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/gpu"
	"github.com/visgate-ai/visgate-deploy-api/internal/hfvalidate"
	"github.com/visgate-ai/visgate-deploy-api/internal/idgen"
	"github.com/visgate-ai/visgate-deploy-api/internal/opshub"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/readiness"
	"github.com/visgate-ai/visgate-deploy-api/internal/secretcache"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
	"github.com/visgate-ai/visgate-deploy-api/internal/webhook"
)

// WorkerDefaults are the worker-scaling values snapshotted onto a
// deployment at acceptance time, sourced from RUNPOD_WORKERS_MIN/MAX etc.
type WorkerDefaults struct {
	WorkersMin         int
	WorkersMax         int
	IdleTimeoutSeconds int
	ScalerType         string
	ScalerValue        int
}

// Engine owns the full deployment lifecycle. One Engine instance serves
// every deployment in the process; each deployment's run is an
// independent goroutine dispatched by Submit.
type Engine struct {
	Store       store.Store
	Providers   *provider.Registry
	GPURegistry *gpu.Registry
	Selector    *gpu.Selector
	Validator   hfvalidate.Validator
	Webhooks    *webhook.Dispatcher
	Secrets     *secretcache.Cache
	SharedCache cache.SharedPolicy
	OpsHub      *opshub.Hub // nil disables the internal dashboard fan-out

	Monitor      *readiness.Monitor
	PhaseBudget  time.Duration
	PollInterval time.Duration
	Workers      WorkerDefaults

	// InternalWebhookBaseURL, if set, is used to build the VISGATE_WEBHOOK
	// inbound-callback URL injected into every worker container.
	// InternalWebhookSecret, if set, is the value the HTTP transport
	// requires on X-Internal-Secret before trusting an inbound callback.
	InternalWebhookBaseURL string
	InternalWebhookSecret  string

	mu       sync.Mutex
	tasks    map[string]context.CancelFunc
	deleting map[string]bool
}

// New wires an Engine from its collaborators and installs the Monitor's
// OnReady hook so either readiness path (inbound callback or outbound
// poll) triggers exactly one webhook delivery.
func New(
	st store.Store,
	providers *provider.Registry,
	gpuRegistry *gpu.Registry,
	validator hfvalidate.Validator,
	sharedCache cache.SharedPolicy,
	opsHub *opshub.Hub,
	phaseBudget time.Duration,
	pollInterval time.Duration,
	workers WorkerDefaults,
) *Engine {
	if phaseBudget <= 0 {
		phaseBudget = 20 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	e := &Engine{
		Store:        st,
		Providers:    providers,
		GPURegistry:  gpuRegistry,
		Selector:     gpu.NewSelector(gpuRegistry),
		Validator:    validator,
		Webhooks:     webhook.New(),
		Secrets:      secretcache.New(),
		SharedCache:  sharedCache,
		OpsHub:       opsHub,
		PhaseBudget:  phaseBudget,
		PollInterval: pollInterval,
		Workers:      workers,
		tasks:        map[string]context.CancelFunc{},
		deleting:     map[string]bool{},
	}
	e.Monitor = readiness.NewMonitor(st)
	e.Monitor.PollInterval = pollInterval
	e.Monitor.OnReady = e.onReady
	return e
}

// CreateRequest is the engine-level shape of an accepted deployment
// request, already authenticated and owner-hashed by the HTTP transport.
type CreateRequest struct {
	OwnerHash      string
	RequestID      string
	HFModelID      string
	ModelNameAlias string
	ProviderHint   string
	RequestedTier  string

	ProviderAPIKey string
	HFToken        string

	WebhookURL string
	CacheScope deployment.CacheScope

	UserS3URL              string
	UserAWSAccessKeyID     string
	UserAWSSecretAccessKey string
	UserAWSEndpointURL     string
}

// Submit accepts a validated deployment request, persists it in
// `validating` status, and dispatches the background task that drives it
// the rest of the way. It returns as soon as the Store has durably
// recorded acceptance — callers get their 202 back immediately.
func (e *Engine) Submit(ctx context.Context, req CreateRequest) (*deployment.Deployment, error) {
	modelID := req.HFModelID
	if modelID == "" {
		modelID = req.ModelNameAlias
	}

	if err := e.validateCacheScope(req); err != nil {
		return nil, err
	}

	if existing, err := e.Store.FindReusable(ctx, deployment.Fingerprint{
		OwnerHash: req.OwnerHash,
		ModelID:   modelID,
		GPUTier:   req.RequestedTier,
	}); err == nil && existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	d := &deployment.Deployment{
		ID:             idgen.DeploymentID(now),
		OwnerHash:      req.OwnerHash,
		ModelID:        modelID,
		ProviderHint:   req.ProviderHint,
		ModelNameAlias: req.ModelNameAlias,
		RequestedTier:  req.RequestedTier,
		WebhookURL:     req.WebhookURL,
		CacheScope:     req.CacheScope,
		Status:         deployment.StatusValidating,
		CreatedAt:      now,
		UpdatedAt:      now,
		RequestID:      req.RequestID,

		WorkersMin:         e.Workers.WorkersMin,
		WorkersMax:         e.Workers.WorkersMax,
		IdleTimeoutSeconds: e.Workers.IdleTimeoutSeconds,
		ScalerType:         e.Workers.ScalerType,
		ScalerValue:        e.Workers.ScalerValue,
	}
	if req.CacheScope == deployment.CachePrivate {
		// SecretAccessKey is deliberately omitted here: the raw secret
		// lives only in the request-scoped secretcache and is fetched
		// from there when building a provider create request's env vars,
		// never written into the durable document.
		d.S3 = &deployment.S3Credentials{
			URL:         req.UserS3URL,
			AccessKeyID: req.UserAWSAccessKeyID,
			EndpointURL: req.UserAWSEndpointURL,
		}
	}

	if err := e.Store.Create(ctx, d); err != nil {
		return nil, err
	}
	e.Secrets.Store(d.ID, secretcache.Secrets{
		ProviderAPIKey: req.ProviderAPIKey,
		HFToken:        req.HFToken,
		S3AccessKeyID:  req.UserAWSAccessKeyID,
		S3SecretKey:    req.UserAWSSecretAccessKey,
		S3EndpointURL:  req.UserAWSEndpointURL,
	})
	e.Store.AppendLog(ctx, d.ID, deployment.LevelInfo, fmt.Sprintf("deployment accepted for %s", modelID))
	e.broadcast(d.ID, opshub.EventDeploymentStatus, map[string]string{"status": string(d.Status)})

	taskCtx, cancel := context.WithCancel(context.Background())
	e.registerTask(d.ID, cancel)

	dCopy := *d
	go e.run(taskCtx, &dCopy)

	return d, nil
}

// HandleReadinessCallback is the engine-facing entry point for the
// Readiness Monitor's inbound path; the HTTP transport calls this from
// the unauthenticated (or shared-secret-guarded) internal endpoint.
func (e *Engine) HandleReadinessCallback(ctx context.Context, id string, payload readiness.CallbackPayload) (*deployment.Deployment, error) {
	return e.Monitor.HandleCallback(ctx, id, payload)
}

// Delete transitions a deployment to `deleted` from any status, per
// spec.md §4.8. If an endpoint exists, a best-effort provider delete is
// attempted first and logged on failure, but never blocks the terminal
// transition. Repeated calls are idempotent and attempt at most one
// provider delete.
func (e *Engine) Delete(ctx context.Context, id, ownerHash string) (*deployment.Deployment, error) {
	d, err := e.Store.Get(ctx, id, ownerHash)
	if err != nil {
		return nil, err
	}
	if d.Status == deployment.StatusDeleted {
		return d, nil
	}

	e.cancelTask(id)

	if e.claimDelete(id) {
		defer e.releaseDelete(id)
		if d.EndpointID != "" {
			if adapter, _, err := e.resolveProvider(d); err == nil {
				if err := adapter.DeleteEndpoint(ctx, d.EndpointID); err != nil {
					log.Printf("engine: best-effort provider delete failed for %s: %v", id, err)
					e.Store.AppendLog(ctx, id, deployment.LevelWarn, fmt.Sprintf("provider delete failed: %v", err))
				}
			}
		}
	}

	for {
		current, err := e.Store.GetInternal(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == deployment.StatusDeleted {
			return current, nil
		}
		updated, err := e.Store.Update(ctx, id, current.Status, store.Patch{Status: deployment.StatusDeleted})
		if err == store.ErrCASMismatch {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.Store.AppendLog(ctx, id, deployment.LevelInfo, "deployment deleted")
		e.broadcast(id, opshub.EventDeploymentStatus, map[string]string{"status": string(deployment.StatusDeleted)})
		e.Secrets.Clear(id)
		return updated, nil
	}
}

func (e *Engine) validateCacheScope(req CreateRequest) error {
	switch req.CacheScope {
	case deployment.CachePrivate:
		if req.UserS3URL == "" || req.UserAWSAccessKeyID == "" || req.UserAWSSecretAccessKey == "" {
			return deployment.NewValidationError("cache_scope=private requires user_s3_url, user_aws_access_key_id, and user_aws_secret_access_key")
		}
	case deployment.CacheOff, deployment.CacheShared, "":
		if req.UserS3URL != "" || req.UserAWSAccessKeyID != "" || req.UserAWSSecretAccessKey != "" {
			return deployment.NewValidationError("S3 cache fields are only accepted when cache_scope=private")
		}
	default:
		return deployment.NewValidationError(fmt.Sprintf("unknown cache_scope %q", req.CacheScope))
	}

	if req.CacheScope == deployment.CacheShared && !e.SharedCache.Eligible(req.effectiveModelID()) {
		return deployment.NewValidationError(fmt.Sprintf("model %q is not eligible for the shared weight cache", req.effectiveModelID()))
	}
	return nil
}

func (req CreateRequest) effectiveModelID() string {
	if req.HFModelID != "" {
		return req.HFModelID
	}
	return req.ModelNameAlias
}

func (e *Engine) resolveProvider(d *deployment.Deployment) (provider.Adapter, string, error) {
	if d.Provider != "" {
		a, err := e.Providers.Get(d.Provider)
		return a, d.Provider, err
	}
	if d.ProviderHint != "" {
		a, err := e.Providers.Get(d.ProviderHint)
		if err == nil {
			return a, d.ProviderHint, nil
		}
	}
	return e.Providers.Default()
}

func (e *Engine) registerTask(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[id] = cancel
}

func (e *Engine) cancelTask(id string) {
	e.mu.Lock()
	cancel, ok := e.tasks[id]
	delete(e.tasks, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) unregisterTask(id string) {
	e.cancelTask(id)
}

func (e *Engine) claimDelete(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleting[id] {
		return false
	}
	e.deleting[id] = true
	return true
}

func (e *Engine) releaseDelete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deleting, id)
}

func (e *Engine) broadcast(id string, eventType opshub.EventType, payload any) {
	if e.OpsHub == nil {
		return
	}
	e.OpsHub.Broadcast(opshub.Event{Type: eventType, DeploymentID: id, Payload: payload})
}
