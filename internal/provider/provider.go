// Package provider abstracts the GPU-renting backend a deployment runs on.
// Exactly one Adapter implementation drives a given deployment's endpoint
// lifecycle; callers never reach into a concrete backend directly.
package provider

import (
	"context"
	"errors"
)

// EnvVars are the environment variables injected into a worker container.
type EnvVars struct {
	HFModelID     string
	HFToken       string
	CallbackURL   string
	S3URL         string
	S3AccessKey   string
	S3SecretKey   string
	S3EndpointURL string
	Extra         map[string]string
}

// WorkerConfig is the scaling policy injected by the Lifecycle Engine,
// independent of which backend ultimately enforces it.
type WorkerConfig struct {
	WorkersMin       int
	WorkersMax       int
	IdleTimeoutSec   int
	ScalerType       string
	ScalerValue      int
}

// CreateEndpointRequest bundles everything an Adapter needs to stand up a
// new worker endpoint for a deployment.
type CreateEndpointRequest struct {
	Name     string
	Image    string
	GPUTier  string
	Env      EnvVars
	Workers  WorkerConfig
}

// CreatedEndpoint is what a successful CreateEndpoint call returns.
type CreatedEndpoint struct {
	EndpointID string
	URL        string
}

// EndpointStatus is a point-in-time summary of a worker endpoint.
type EndpointStatus struct {
	Created      bool
	WorkersReady int
	LastError    string
}

// EndpointSummary is a lightweight listing row.
type EndpointSummary struct {
	EndpointID string
	Name       string
}

// Adapter is the capability set every GPU-renting backend must implement.
// Errors it returns should be classified with IsCapacityError so the
// Lifecycle Engine's fallback loop can tell a full tier apart from every
// other kind of failure.
type Adapter interface {
	CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (CreatedEndpoint, error)
	DeleteEndpoint(ctx context.Context, endpointID string) error
	ListEndpoints(ctx context.Context) ([]EndpointSummary, error)
	GetEndpointStatus(ctx context.Context, endpointID string) (EndpointStatus, error)
}

// CapacityError means the backend has no GPU available for the requested
// tier right now. The Lifecycle Engine retries with the next candidate
// tier on this error and only this error.
type CapacityError struct {
	Provider string
	Tier     string
	Cause    error
}

func (e *CapacityError) Error() string {
	return e.Provider + ": no capacity for tier " + e.Tier + ": " + e.Cause.Error()
}

func (e *CapacityError) Unwrap() error { return e.Cause }

// GenericError wraps any other backend failure. It is terminal: the
// Lifecycle Engine does not retry it with a different tier.
type GenericError struct {
	Provider string
	Cause    error
}

func (e *GenericError) Error() string {
	return e.Provider + ": " + e.Cause.Error()
}

func (e *GenericError) Unwrap() error { return e.Cause }

// IsCapacityError reports whether err represents an out-of-capacity
// condition rather than a generic backend failure.
func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}
