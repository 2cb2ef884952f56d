// Package hfvalidate confirms a Hugging Face model exists and is
// accessible before the Lifecycle Engine commits a GPU to it, and extracts
// enough metadata for the VRAM Estimator to size an unregistered model.
package hfvalidate

import (
	"context"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/registry"
)

// Metadata is what a successful Validate call learns about a model.
type Metadata struct {
	ModelID       string
	MinVRAMGB     int
	PipelineTag   registry.PipelineTag
	FromRegistry  bool
	ParamsByDtype registry.ParamsByDtype
}

// Validator confirms a model exists and is accessible, optionally with a
// bearer token for gated models.
type Validator interface {
	Validate(ctx context.Context, hfModelID string, token string) (Metadata, error)
}

// NewModelNotFoundError, NewModelGatedError etc. are re-exported from
// internal/deployment so callers don't need to import both packages.
var (
	NewModelNotFoundError = deployment.NewModelNotFoundError
	NewModelGatedError    = deployment.NewModelGatedError
)

// ModelAccessDeniedError means the model exists but the supplied token
// lacks permission to read it (distinct from ModelGatedError, which means
// no token was supplied for a gated model at all).
type ModelAccessDeniedError struct {
	ModelID string
}

func (e *ModelAccessDeniedError) Error() string {
	return "access denied for model " + e.ModelID
}

// ModelRegistryUnreachableError is transient: the HF Hub could not be
// reached at all (network error, 5xx, or timeout after retries).
type ModelRegistryUnreachableError struct {
	ModelID string
	Cause   error
}

func (e *ModelRegistryUnreachableError) Error() string {
	return "hugging face hub unreachable while validating " + e.ModelID + ": " + e.Cause.Error()
}

func (e *ModelRegistryUnreachableError) Unwrap() error { return e.Cause }
