// Package deployment defines the central entity the rest of the gateway
// operates on: a caller's request to run a model on a rented GPU, and the
// state it moves through on its way to a ready (or failed) endpoint.
package deployment

import "time"

// Status is one node in the lifecycle state machine. Valid transitions are
// enumerated in Transitions below; nothing outside internal/engine should
// assign a Status without going through a compare-and-set on the Store.
type Status string

const (
	StatusValidating      Status = "validating"
	StatusSelectingGPU    Status = "selecting_gpu"
	StatusCreatingEndpoint Status = "creating_endpoint"
	StatusDownloadingModel Status = "downloading_model"
	StatusLoadingModel     Status = "loading_model"
	StatusReady            Status = "ready"
	StatusFailed           Status = "failed"
	StatusWebhookFailed    Status = "webhook_failed"
	StatusDeleted          Status = "deleted"
	StatusTimeout          Status = "timeout"
)

// CacheScope controls how model weights are fetched by the worker.
type CacheScope string

const (
	CacheOff     CacheScope = "off"
	CacheShared  CacheScope = "shared"
	CachePrivate CacheScope = "private"
)

// Transitions enumerates every valid Status -> Status edge from spec §4.8.
// The empty Status on the left represents deployment creation.
var Transitions = map[Status][]Status{
	"":                      {StatusValidating},
	StatusValidating:        {StatusSelectingGPU, StatusFailed, StatusDeleted},
	StatusSelectingGPU:      {StatusCreatingEndpoint, StatusFailed, StatusDeleted},
	StatusCreatingEndpoint:  {StatusDownloadingModel, StatusLoadingModel, StatusReady, StatusFailed, StatusTimeout, StatusDeleted},
	StatusDownloadingModel:  {StatusLoadingModel, StatusReady, StatusFailed, StatusTimeout, StatusDeleted},
	StatusLoadingModel:      {StatusReady, StatusFailed, StatusTimeout, StatusDeleted},
	StatusReady:             {StatusWebhookFailed, StatusDeleted},
	StatusFailed:            {StatusDeleted},
	StatusTimeout:           {StatusDeleted},
	StatusWebhookFailed:     {StatusDeleted},
	StatusDeleted:           {},
}

// CanTransition reports whether moving from `from` to `to` is a valid edge
// of the lifecycle state machine.
func CanTransition(from, to Status) bool {
	for _, candidate := range Transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a Status has no further engine-driven
// transitions other than delete.
func IsTerminal(s Status) bool {
	switch s {
	case StatusReady, StatusFailed, StatusWebhookFailed, StatusDeleted, StatusTimeout:
		return true
	default:
		return false
	}
}

// Attempt records one capacity-fallback try against a GPU tier, for audit.
type Attempt struct {
	TierID        string `json:"tier_id"`
	FailureReason string `json:"failure_reason"`
}

// ErrorInfo captures a terminal, non-ready failure.
type ErrorInfo struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// S3Credentials carries a caller-owned cache bucket's connection details.
// Present only when CacheScope == CachePrivate.
type S3Credentials struct {
	URL             string `json:"url"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	EndpointURL     string `json:"endpoint_url,omitempty"`
}

// Deployment is the central entity: a request to run ModelID on a rented
// GPU, plus everything the Lifecycle Engine has learned and decided while
// driving it toward readiness.
type Deployment struct {
	ID               string     `json:"id"`
	OwnerHash        string     `json:"owner_hash"`
	ModelID          string     `json:"model_id"`
	ProviderHint     string     `json:"provider_hint,omitempty"`
	ModelNameAlias   string     `json:"model_name_alias,omitempty"`
	RequestedTier    string     `json:"requested_tier,omitempty"`
	ResolvedTier     string     `json:"resolved_tier,omitempty"`
	MinVRAMGB        int        `json:"min_vram_gb"`
	Provider         string     `json:"provider"`
	EndpointID       string     `json:"endpoint_id,omitempty"`
	EndpointURL      string     `json:"endpoint_url,omitempty"`
	EndpointName     string     `json:"endpoint_name,omitempty"`
	WebhookURL       string     `json:"webhook_url"`
	CacheScope       CacheScope `json:"cache_scope"`
	S3               *S3Credentials `json:"s3,omitempty"`
	Status           Status     `json:"status"`
	Error            *ErrorInfo `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ReadyAt          *time.Time `json:"ready_at,omitempty"`
	Attempts         []Attempt  `json:"attempts,omitempty"`
	RequestID        string     `json:"request_id,omitempty"`

	WorkersMin         int    `json:"workers_min"`
	WorkersMax         int    `json:"workers_max"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
	ScalerType         string `json:"scaler_type"`
	ScalerValue        int    `json:"scaler_value"`
}

// LogEntry is an append-only, per-deployment audit record. Never mutated
// after append.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // INFO, WARN, ERROR
	Message   string    `json:"message"`
}

const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Fingerprint identifies deployments that would be functionally identical
// (same owner, model, requested tier), used by Store.FindReusable.
type Fingerprint struct {
	OwnerHash string
	ModelID   string
	GPUTier   string
}
