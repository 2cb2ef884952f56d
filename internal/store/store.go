// Package store abstracts the durable state backing every deployment. Two
// implementations exist — in-memory for local development and tests, and a
// Postgres-backed one for production — and must be interchangeable: both
// implement the same compare-and-set update semantics.
package store

import (
	"context"
	"errors"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
)

// ErrAlreadyExists is returned by Create when a deployment with the same
// id already exists.
var ErrAlreadyExists = errors.New("deployment already exists")

// ErrCASMismatch is returned by Update when the deployment's current
// status does not match expectedStatus, meaning some other caller already
// moved it on.
var ErrCASMismatch = errors.New("compare-and-set mismatch")

// Patch carries the status Update moves the deployment to and the fields
// it writes; the expected current status the update is conditioned on is
// Update's own expectedStatus argument.
type Patch struct {
	Status  deployment.Status
	Fields  map[string]any
}

// Store is the abstract state backend the rest of the gateway depends on.
// Every operation is safe for concurrent use.
type Store interface {
	Create(ctx context.Context, d *deployment.Deployment) error
	Get(ctx context.Context, id, ownerHash string) (*deployment.Deployment, error)
	// GetInternal fetches a deployment by id with no owner check. It exists
	// for the Lifecycle Engine and Readiness Monitor, which already own the
	// deployment by construction (the inbound worker callback in particular
	// carries no owner_hash at all), unlike Get, which backs the owner-scoped
	// public API.
	GetInternal(ctx context.Context, id string) (*deployment.Deployment, error)
	Update(ctx context.Context, id string, expectedStatus deployment.Status, patch Patch) (*deployment.Deployment, error)
	AppendLog(ctx context.Context, id string, level, message string) error
	Logs(ctx context.Context, id string) ([]deployment.LogEntry, error)
	FindReusable(ctx context.Context, fp deployment.Fingerprint) (*deployment.Deployment, error)
	// ListInFlight returns every deployment not yet in a terminal status,
	// used on startup to recover deployments orphaned by a crash.
	ListInFlight(ctx context.Context) ([]*deployment.Deployment, error)
	Healthy(ctx context.Context) error
}
