package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/cache"
	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/gpu"
	"github.com/visgate-ai/visgate-deploy-api/internal/idgen"
	"github.com/visgate-ai/visgate-deploy-api/internal/opshub"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/secretcache"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
	"github.com/visgate-ai/visgate-deploy-api/internal/webhook"
)

// run drives d through every phase of the state machine in §4.8, from
// `validating` to a terminal status. It owns the deployment's background
// task for its whole lifetime and is always invoked in its own goroutine
// by Submit.
func (e *Engine) run(ctx context.Context, d *deployment.Deployment) {
	defer e.unregisterTask(d.ID)

	secrets, _ := e.Secrets.Get(d.ID)

	if d.CacheScope == deployment.CachePrivate && d.S3 != nil {
		e.probePrivateCache(ctx, d, secrets)
	}

	metadata, err := e.Validator.Validate(ctx, d.ModelID, secrets.HFToken)
	if err != nil {
		e.fail(ctx, d, deployment.StatusValidating, err)
		return
	}

	d, err = e.transition(ctx, d, deployment.StatusValidating, deployment.StatusSelectingGPU, map[string]any{
		"min_vram_gb": metadata.MinVRAMGB,
	})
	if err != nil {
		return
	}
	e.logAndBroadcast(ctx, d, deployment.LevelInfo, fmt.Sprintf("validated %s: min_vram_gb=%d", d.ModelID, metadata.MinVRAMGB))

	candidates, err := e.Selector.Select(metadata.MinVRAMGB, d.RequestedTier)
	if err != nil {
		e.fail(ctx, d, deployment.StatusSelectingGPU, err)
		return
	}

	adapter, providerName, err := e.resolveProvider(d)
	if err != nil {
		e.fail(ctx, d, deployment.StatusSelectingGPU, deployment.NewProviderError("none", err))
		return
	}

	d, err = e.transition(ctx, d, deployment.StatusSelectingGPU, deployment.StatusCreatingEndpoint, map[string]any{
		"resolved_tier": candidates[0].ID,
		"provider":      providerName,
	})
	if err != nil {
		return
	}
	e.logAndBroadcast(ctx, d, deployment.LevelInfo, fmt.Sprintf("selected provider %s, trying %d candidate tier(s)", providerName, len(candidates)))

	phaseCtx, cancelPhase := context.WithTimeout(ctx, e.PhaseBudget)
	defer cancelPhase()

	created, chosen, err := e.createEndpointWithFallback(phaseCtx, d, adapter, providerName, candidates)
	if err != nil {
		if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
			e.timeout(ctx, d)
			return
		}
		e.fail(ctx, d, deployment.StatusCreatingEndpoint, err)
		return
	}

	d, err = e.transition(ctx, d, deployment.StatusCreatingEndpoint, deployment.StatusDownloadingModel, map[string]any{
		"resolved_tier": chosen.ID,
		"endpoint_id":   created.EndpointID,
		"endpoint_url":  created.URL,
		"endpoint_name": d.EndpointName,
	})
	if err != nil {
		return
	}
	e.logAndBroadcast(ctx, d, deployment.LevelInfo, fmt.Sprintf("endpoint %s created on tier %s, awaiting worker readiness", created.EndpointID, chosen.ID))

	result, err := e.Monitor.Poll(phaseCtx, d.ID, created.EndpointID, adapter)
	switch {
	case err == nil:
		e.logAndBroadcast(ctx, result, deployment.LevelInfo, "endpoint ready")
	case errors.Is(err, context.DeadlineExceeded):
		e.timeout(ctx, d)
	case errors.Is(err, context.Canceled):
		// A delete cancelled us; Delete itself owns the terminal
		// transition and the best-effort provider cleanup.
	default:
		e.fail(ctx, d, deployment.StatusDownloadingModel, deployment.NewProviderError(providerName, err))
	}
}

// transition performs one CAS-guarded status move and returns the fresh
// document. A losing CAS (most commonly a concurrent delete) logs nothing
// further here — the caller that won the race already owns logging — and
// returns a sentinel error so run() stops advancing this deployment.
func (e *Engine) transition(ctx context.Context, d *deployment.Deployment, from, to deployment.Status, fields map[string]any) (*deployment.Deployment, error) {
	updated, err := e.Store.Update(ctx, d.ID, from, store.Patch{Status: to, Fields: fields})
	if err == store.ErrCASMismatch {
		return nil, err
	}
	if err != nil {
		log.Printf("engine: transition %s->%s for %s failed: %v", from, to, d.ID, err)
		return nil, err
	}
	e.broadcast(d.ID, opshub.EventDeploymentStatus, map[string]string{"status": string(to)})
	return updated, nil
}

// createEndpointWithFallback implements the cost-ordered fallback loop of
// spec.md §4.8: each candidate tier is one transaction — record the
// attempt, try the create call, and either succeed, fall through to the
// next candidate on a capacity error, or fail outright on anything else.
func (e *Engine) createEndpointWithFallback(ctx context.Context, d *deployment.Deployment, adapter provider.Adapter, providerName string, candidates []gpu.Spec) (provider.CreatedEndpoint, gpu.Spec, error) {
	endpointName := idgen.EndpointName(d.ID)
	secrets, _ := e.Secrets.Get(d.ID)

	var attempts []deployment.Attempt
	for _, cand := range candidates {
		req := provider.CreateEndpointRequest{
			Name:    endpointName,
			GPUTier: cand.ID,
			Env:     e.buildEnv(d, secrets),
			Workers: provider.WorkerConfig{
				WorkersMin:     d.WorkersMin,
				WorkersMax:     d.WorkersMax,
				IdleTimeoutSec: d.IdleTimeoutSeconds,
				ScalerType:     d.ScalerType,
				ScalerValue:    d.ScalerValue,
			},
		}

		created, err := adapter.CreateEndpoint(ctx, req)
		if err == nil {
			d.EndpointName = endpointName
			return created, cand, nil
		}

		if !provider.IsCapacityError(err) {
			return provider.CreatedEndpoint{}, gpu.Spec{}, deployment.NewProviderError(providerName, err)
		}

		attempts = append(attempts, deployment.Attempt{TierID: cand.ID, FailureReason: err.Error()})
		e.Store.Update(ctx, d.ID, deployment.StatusCreatingEndpoint, store.Patch{
			Status: deployment.StatusCreatingEndpoint,
			Fields: map[string]any{"attempts": attempts, "resolved_tier": cand.ID},
		})
		e.Store.AppendLog(ctx, d.ID, deployment.LevelWarn, fmt.Sprintf("tier %s out of capacity, trying next candidate", cand.ID))
	}

	return provider.CreatedEndpoint{}, gpu.Spec{}, deployment.NewInsufficientGPUError(d.MinVRAMGB)
}

func (e *Engine) buildEnv(d *deployment.Deployment, secrets secretcache.Secrets) provider.EnvVars {
	env := provider.EnvVars{
		HFModelID: d.ModelID,
		HFToken:   secrets.HFToken,
	}
	if e.InternalWebhookBaseURL != "" {
		env.CallbackURL = fmt.Sprintf("%s/internal/deployment-ready/%s", e.InternalWebhookBaseURL, d.ID)
	}
	switch d.CacheScope {
	case deployment.CacheShared:
		env.Extra = map[string]string{"VISGATE_CACHE_SCOPE": "shared"}
	case deployment.CachePrivate:
		if d.S3 != nil {
			env.S3URL = d.S3.URL
			env.S3AccessKey = secrets.S3AccessKeyID
			env.S3SecretKey = secrets.S3SecretKey
			env.S3EndpointURL = d.S3.EndpointURL
		}
	}
	return env
}

func (e *Engine) probePrivateCache(ctx context.Context, d *deployment.Deployment, secrets secretcache.Secrets) {
	if d.S3 == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cache.ProbePrivateCache(probeCtx, cache.PrivateProbeConfig{
		EndpointURL: d.S3.EndpointURL,
		AccessKey:   secrets.S3AccessKeyID,
		SecretKey:   secrets.S3SecretKey,
		UseSSL:      true,
	}); err != nil {
		e.Store.AppendLog(ctx, d.ID, deployment.LevelWarn, fmt.Sprintf("private cache probe failed, continuing with cold download: %v", err))
	}
}

// fail transitions d to `failed` from whatever status it was last known to
// be in, records the error, and logs it. A losing CAS means something
// else (typically a concurrent delete) already resolved the deployment,
// which is not itself an error worth surfacing.
func (e *Engine) fail(ctx context.Context, d *deployment.Deployment, from deployment.Status, cause error) {
	info := deployment.ToErrorInfo(cause)
	updated, err := e.Store.Update(ctx, d.ID, from, store.Patch{
		Status: deployment.StatusFailed,
		Fields: map[string]any{"error": info},
	})
	if err == store.ErrCASMismatch {
		return
	}
	if err != nil {
		log.Printf("engine: failing %s: %v", d.ID, err)
		return
	}
	e.Store.AppendLog(ctx, d.ID, deployment.LevelError, fmt.Sprintf("%s: %s", info.Kind, info.Message))
	e.broadcast(d.ID, opshub.EventDeploymentStatus, map[string]string{"status": string(deployment.StatusFailed), "error": info.Message})
	e.Secrets.Clear(d.ID)
	_ = updated
}

func (e *Engine) timeout(ctx context.Context, d *deployment.Deployment) {
	current, err := e.Store.GetInternal(ctx, d.ID)
	if err != nil {
		return
	}
	if deployment.IsTerminal(current.Status) {
		return
	}
	info := deployment.ToErrorInfo(deployment.NewTimeoutError(string(current.Status)))
	updated, err := e.Store.Update(ctx, d.ID, current.Status, store.Patch{
		Status: deployment.StatusTimeout,
		Fields: map[string]any{"error": info},
	})
	if err == store.ErrCASMismatch {
		return
	}
	if err != nil {
		log.Printf("engine: timing out %s: %v", d.ID, err)
		return
	}
	e.Store.AppendLog(ctx, d.ID, deployment.LevelError, fmt.Sprintf("phase budget exceeded in %s", current.Status))
	e.broadcast(d.ID, opshub.EventDeploymentStatus, map[string]string{"status": string(deployment.StatusTimeout)})
	e.Secrets.Clear(d.ID)
	_ = updated
}

func (e *Engine) logAndBroadcast(ctx context.Context, d *deployment.Deployment, level, message string) {
	e.Store.AppendLog(ctx, d.ID, level, message)
	e.broadcast(d.ID, opshub.EventDeploymentLog, map[string]string{"level": level, "message": message})
}

// onReady is the Readiness Monitor's shared hook: whichever path (inbound
// callback or outbound poll) wins the CAS to `ready` calls this exactly
// once. Webhook delivery runs on its own background context so neither
// the HTTP handler that received the worker's callback nor the polling
// goroutine is held open for the dispatcher's retry schedule.
func (e *Engine) onReady(_ context.Context, d *deployment.Deployment) {
	e.broadcast(d.ID, opshub.EventDeploymentStatus, map[string]string{"status": string(deployment.StatusReady)})
	go e.deliverReadyWebhook(d)
}

func (e *Engine) deliverReadyWebhook(d *deployment.Deployment) {
	bgCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	payload := e.buildWebhookPayload(d)
	err := e.Webhooks.Deliver(bgCtx, d.WebhookURL, payload)
	if err != nil {
		attempts := e.Webhooks.Retries
		var delivErr *webhook.DeliveryError
		if errors.As(err, &delivErr) {
			attempts = delivErr.Attempts
		}
		e.Store.Update(bgCtx, d.ID, deployment.StatusReady, store.Patch{
			Status: deployment.StatusWebhookFailed,
			Fields: map[string]any{"error": deployment.ToErrorInfo(deployment.NewWebhookDeliveryError(d.WebhookURL, attempts))},
		})
		e.Store.AppendLog(bgCtx, d.ID, deployment.LevelError, fmt.Sprintf("webhook delivery failed: %v", err))
		e.broadcast(d.ID, opshub.EventDeploymentWebhook, map[string]string{"status": "failed"})
	} else {
		e.Store.AppendLog(bgCtx, d.ID, deployment.LevelInfo, "webhook delivered")
		e.broadcast(d.ID, opshub.EventDeploymentWebhook, map[string]string{"status": "delivered"})
	}
	e.Secrets.Clear(d.ID)
}

func (e *Engine) buildWebhookPayload(d *deployment.Deployment) webhook.Payload {
	gpuDisplay := d.ResolvedTier
	if spec, ok := e.GPURegistry.BySpecID(d.ResolvedTier); ok {
		gpuDisplay = spec.Display
	}

	var duration float64
	if d.ReadyAt != nil {
		duration = d.ReadyAt.Sub(d.CreatedAt).Seconds()
	}

	return webhook.Payload{
		Event:              "deployment_ready",
		DeploymentID:       d.ID,
		Status:             string(deployment.StatusReady),
		EndpointURL:        d.EndpointURL,
		ProviderEndpointID: d.EndpointID,
		ModelID:            d.ModelID,
		GPUAllocated:       gpuDisplay,
		CreatedAt:          d.CreatedAt,
		ReadyAt:            d.ReadyAt,
		DurationSeconds:    duration,
		UsageExample: &webhook.UsageExample{
			Method: "POST",
			URL:    d.EndpointURL,
			Headers: map[string]string{
				"Authorization": "Bearer <your-provider-api-key>",
				"Content-Type":  "application/json",
			},
			Body: map[string]any{
				"input": map[string]any{
					"prompt": "a photo of an astronaut riding a horse",
				},
			},
		},
	}
}
