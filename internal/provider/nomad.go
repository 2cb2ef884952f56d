package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"

	"github.com/visgate-ai/visgate-deploy-api/internal/consulreg"
)

// NomadAdapter drives a self-hosted GPU pool through Nomad. With a Consul
// client configured, it resolves an endpoint's URL from the healthy
// instances of the Consul service named after the job and deregisters that
// service on delete; it does not register the service itself.
type NomadAdapter struct {
	api         *nomadapi.Client
	consul      *consulreg.Client
	dockerImage string
	namespace   string
}

// NewNomadAdapter connects to the Nomad HTTP API at addr. consul may be nil
// when no Consul agent is configured; in that case endpoint URLs fall back
// to a Nomad-proxy placeholder.
func NewNomadAdapter(addr, dockerImage string, consul *consulreg.Client) (*NomadAdapter, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = addr

	client, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &NomadAdapter{api: client, consul: consul, dockerImage: dockerImage}, nil
}

// Healthy checks connectivity to Nomad.
func (a *NomadAdapter) Healthy() error {
	_, err := a.api.Agent().NodeName()
	return err
}

func (a *NomadAdapter) CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (CreatedEndpoint, error) {
	image := a.dockerImage
	if req.Image != "" {
		image = req.Image
	}

	env := map[string]string{"HF_MODEL_ID": req.Env.HFModelID}
	if req.Env.HFToken != "" {
		env["HF_TOKEN"] = req.Env.HFToken
	}
	if req.Env.CallbackURL != "" {
		env["VISGATE_WEBHOOK"] = req.Env.CallbackURL
	}
	if req.Env.S3URL != "" {
		env["VISGATE_S3_URL"] = req.Env.S3URL
		env["VISGATE_S3_ACCESS_KEY"] = req.Env.S3AccessKey
		env["VISGATE_S3_SECRET_KEY"] = req.Env.S3SecretKey
	}
	for k, v := range req.Env.Extra {
		env[k] = v
	}

	job := buildJob(req.Name, image, req.GPUTier, env, req.Workers)

	resp, _, err := a.api.Jobs().Register(job, nil)
	if err != nil {
		if isNomadCapacityErr(err) {
			return CreatedEndpoint{}, &CapacityError{Provider: "nomad", Tier: req.GPUTier, Cause: err}
		}
		return CreatedEndpoint{}, &GenericError{Provider: "nomad", Cause: err}
	}

	if evalErr := a.waitForEvaluation(ctx, resp.EvalID); evalErr != nil {
		if isNomadCapacityErr(evalErr) {
			return CreatedEndpoint{}, &CapacityError{Provider: "nomad", Tier: req.GPUTier, Cause: evalErr}
		}
		return CreatedEndpoint{}, &GenericError{Provider: "nomad", Cause: evalErr}
	}

	url := a.endpointURL(req.Name)
	return CreatedEndpoint{EndpointID: req.Name, URL: url}, nil
}

func buildJob(name, image, gpuTier string, env map[string]string, workers WorkerConfig) *nomadapi.Job {
	jobType := "service"
	count := 1
	if workers.WorkersMin > 1 {
		count = workers.WorkersMin
	}

	task := &nomadapi.Task{
		Name:   "worker",
		Driver: "docker",
		Config: map[string]any{
			"image": image,
		},
		Env: env,
		Resources: &nomadapi.Resources{
			Devices: []*nomadapi.RequestedDevice{
				{
					Name:  "nvidia/gpu",
					Count: uint64Ptr(1),
					Constraints: []*nomadapi.Constraint{
						{
							LTarget: "${device.attr.display_name}",
							RTarget: gpuTier,
							Operand: "=",
						},
					},
				},
			},
		},
	}

	group := &nomadapi.TaskGroup{
		Name:  strPtr(name),
		Count: &count,
		Tasks: []*nomadapi.Task{task},
	}

	return &nomadapi.Job{
		ID:         strPtr(name),
		Name:       strPtr(name),
		Type:       &jobType,
		Datacenters: []string{"dc1"},
		TaskGroups:  []*nomadapi.TaskGroup{group},
	}
}

func strPtr(s string) *string { return &s }
func uint64Ptr(v uint64) *uint64 { return &v }

func (a *NomadAdapter) waitForEvaluation(ctx context.Context, evalID string) error {
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		eval, _, err := a.api.Evaluations().Info(evalID, nil)
		if err != nil {
			return err
		}
		switch eval.Status {
		case "complete":
			if eval.FailedTGAllocs != nil {
				for _, metrics := range eval.FailedTGAllocs {
					if metrics.NodesExhausted > 0 || metrics.NodesAvailable == nil {
						return fmt.Errorf("no nodes meet constraints for job %s", eval.JobID)
					}
				}
			}
			return nil
		case "failed", "cancelled":
			return fmt.Errorf("evaluation %s finished with status %s", evalID, eval.Status)
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("timed out waiting for evaluation %s", evalID)
}

func isNomadCapacityErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no nodes meet constraints") ||
		strings.Contains(msg, "no eligible nodes") ||
		strings.Contains(msg, "resources exhausted")
}

func (a *NomadAdapter) endpointURL(jobName string) string {
	if a.consul != nil {
		if addrs, err := a.consul.ResolveHealthy(jobName); err == nil && len(addrs) > 0 {
			return fmt.Sprintf("http://%s:%d", addrs[0].Address, addrs[0].Port)
		}
	}
	return fmt.Sprintf("nomad-proxy://%s", jobName)
}

func (a *NomadAdapter) DeleteEndpoint(ctx context.Context, endpointID string) error {
	_, _, err := a.api.Jobs().Deregister(endpointID, true, nil)
	if a.consul != nil {
		_ = a.consul.Deregister(endpointID)
	}
	if err != nil {
		return &GenericError{Provider: "nomad", Cause: err}
	}
	return nil
}

func (a *NomadAdapter) ListEndpoints(ctx context.Context) ([]EndpointSummary, error) {
	jobs, _, err := a.api.Jobs().List(nil)
	if err != nil {
		return nil, &GenericError{Provider: "nomad", Cause: err}
	}
	out := make([]EndpointSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, EndpointSummary{EndpointID: j.ID, Name: j.Name})
	}
	return out, nil
}

func (a *NomadAdapter) GetEndpointStatus(ctx context.Context, endpointID string) (EndpointStatus, error) {
	allocs, _, err := a.api.Jobs().Allocations(endpointID, false, nil)
	if err != nil {
		return EndpointStatus{}, &GenericError{Provider: "nomad", Cause: err}
	}
	if len(allocs) == 0 {
		return EndpointStatus{Created: true, WorkersReady: 0}, nil
	}
	ready := 0
	var lastError string
	for _, alloc := range allocs {
		if alloc.ClientStatus == "running" {
			if alloc.DeploymentStatus == nil || alloc.DeploymentStatus.Healthy == nil || *alloc.DeploymentStatus.Healthy {
				ready++
			}
		}
		if alloc.ClientStatus == "failed" {
			lastError = "allocation failed: " + alloc.ID
		}
	}
	return EndpointStatus{Created: true, WorkersReady: ready, LastError: lastError}, nil
}
