package deployment

import "fmt"

// Kind is a stable machine-readable error classification, surfaced in
// ErrorInfo.Kind and used by the CLI to pick an exit code.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "deployment_not_found"
	KindModelNotFound      Kind = "model_not_found"
	KindModelGated         Kind = "model_gated"
	KindUnsupportedGPU     Kind = "unsupported_gpu"
	KindInsufficientGPU    Kind = "insufficient_gpu"
	KindProviderCapacity   Kind = "provider_capacity"
	KindProvider           Kind = "provider_error"
	KindTimeout             Kind = "timeout"
	KindWebhookDelivery     Kind = "webhook_delivery_error"
	KindRateLimit           Kind = "rate_limited"
)

// Error is the common shape for every error kind in §7: a stable Kind, a
// human message, and optional structured Details for clients and logs.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, msg string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}

func NewValidationError(msg string) *Error {
	return newError(KindValidation, msg, nil)
}

func NewUnauthorizedError(msg string) *Error {
	return newError(KindUnauthorized, msg, nil)
}

func NewNotFoundError(id string) *Error {
	return newError(KindNotFound, "deployment not found", map[string]any{"deployment_id": id})
}

func NewModelNotFoundError(modelID string) *Error {
	return newError(KindModelNotFound, fmt.Sprintf("model %q not found", modelID), map[string]any{"model_id": modelID})
}

func NewModelGatedError(modelID string) *Error {
	return newError(KindModelGated, fmt.Sprintf("model %q requires accepting a gated-access agreement", modelID), map[string]any{"model_id": modelID})
}

func NewUnsupportedGPUError(tier string) *Error {
	return newError(KindUnsupportedGPU, fmt.Sprintf("GPU tier %q is unknown or has too little VRAM for this model", tier), map[string]any{"requested_tier": tier})
}

func NewInsufficientGPUError(requiredVRAMGB int) *Error {
	return newError(KindInsufficientGPU, "no GPU tier satisfies the estimated VRAM requirement", map[string]any{"required_vram_gb": requiredVRAMGB})
}

func NewProviderCapacityError(provider, tier string) *Error {
	return newError(KindProviderCapacity, fmt.Sprintf("%s reported no capacity for tier %q", provider, tier), map[string]any{"provider": provider, "tier_id": tier})
}

func NewProviderError(provider string, cause error) *Error {
	return newError(KindProvider, fmt.Sprintf("%s: %v", provider, cause), map[string]any{"provider": provider})
}

func NewTimeoutError(phase string) *Error {
	return newError(KindTimeout, fmt.Sprintf("phase %q exceeded its budget", phase), map[string]any{"phase": phase})
}

func NewWebhookDeliveryError(url string, attempts int) *Error {
	return newError(KindWebhookDelivery, "webhook delivery failed after retries", map[string]any{"url": url, "attempts": attempts})
}

func NewRateLimitError(retryAfterSeconds int) *Error {
	return newError(KindRateLimit, "too many requests", map[string]any{"retry_after_seconds": retryAfterSeconds})
}

// IsCapacity reports whether a provider-raised error represents an
// out-of-capacity condition (fallback-eligible) rather than a generic
// provider failure (terminal).
func IsCapacity(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindProviderCapacity
}

// ToErrorInfo converts any error into the ErrorInfo shape stored on a
// Deployment record. A *Error keeps its Kind and Details; anything else
// (a bare Go error surfacing from a dependency the engine didn't wrap) is
// classified as a generic provider error so the field is never left
// empty on a terminal-non-ready transition.
func ToErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &ErrorInfo{Kind: string(e.Kind), Message: e.Message, Details: e.Details}
	}
	return &ErrorInfo{Kind: string(KindProvider), Message: err.Error()}
}
