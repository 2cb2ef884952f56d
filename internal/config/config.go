// Package config loads the environment-variable configuration surface of
// the gateway: store selection, provider backend selection, worker-scaling
// defaults, and the ambient cache/ops-hub toggles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of recognized options from spec.md §6.3 plus the
// domain-stack additions (§6.3 of SPEC_FULL.md). Every field has a safe
// default: the gateway runs with zero configuration against the in-memory
// Store and the RunPod provider.
type Config struct {
	BindAddr string
	Port     string

	GCPProjectID   string
	UseMemoryRepo  bool
	DatabaseURL    string
	DBTablePrefix  string

	Provider         string // runpod | nomad
	RunPodAPIKey     string
	RunPodTemplateID string
	DockerImage      string

	WorkersMin         int
	WorkersMax         int
	IdleTimeoutSeconds int
	ScalerType         string
	ScalerValue        int

	NomadAddr  string
	ConsulAddr string

	GPURegistryFile string

	InternalWebhookBaseURL string
	InternalWebhookSecret  string

	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	AWSEndpointURL        string
	S3ModelURL            string
	SharedCacheAllowed    string
	SharedCacheRejectUnlisted bool

	OpsHubEnabled bool

	LogLevel string

	PhaseBudget time.Duration
}

// Load reads Config from the process environment, applying the defaults
// documented in spec.md §6.3 and SPEC_FULL.md §6.3.
func Load() *Config {
	return &Config{
		BindAddr: envOr("VISGATE_BIND_ADDR", "0.0.0.0"),
		Port:     envOr("VISGATE_PORT", "8080"),

		GCPProjectID:  os.Getenv("GCP_PROJECT_ID"),
		UseMemoryRepo: envBool("USE_MEMORY_REPO", false),
		DatabaseURL:   os.Getenv("VISGATE_DATABASE_URL"),
		DBTablePrefix: envOr("VISGATE_DB_TABLE_PREFIX", "visgate_"),

		Provider:         envOr("VISGATE_PROVIDER", "runpod"),
		RunPodAPIKey:     os.Getenv("RUNPOD_API_KEY"),
		RunPodTemplateID: os.Getenv("RUNPOD_TEMPLATE_ID"),
		DockerImage:      os.Getenv("DOCKER_IMAGE"),

		WorkersMin:         envInt("RUNPOD_WORKERS_MIN", 0),
		WorkersMax:         envInt("RUNPOD_WORKERS_MAX", 3),
		IdleTimeoutSeconds: envInt("RUNPOD_IDLE_TIMEOUT_SECONDS", 120),
		ScalerType:         envOr("RUNPOD_SCALER_TYPE", "QUEUE_DELAY"),
		ScalerValue:        envInt("RUNPOD_SCALER_VALUE", 1),

		NomadAddr:  envOr("NOMAD_ADDR", "http://127.0.0.1:4646"),
		ConsulAddr: envOr("CONSUL_ADDR", "http://127.0.0.1:8500"),

		GPURegistryFile: os.Getenv("VISGATE_GPU_REGISTRY_FILE"),

		InternalWebhookBaseURL: os.Getenv("INTERNAL_WEBHOOK_BASE_URL"),
		InternalWebhookSecret:  os.Getenv("INTERNAL_WEBHOOK_SECRET"),

		AWSAccessKeyID:            os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:        os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSEndpointURL:            os.Getenv("AWS_ENDPOINT_URL"),
		S3ModelURL:                os.Getenv("S3_MODEL_URL"),
		SharedCacheAllowed:        os.Getenv("SHARED_CACHE_ALLOWED_MODELS"),
		SharedCacheRejectUnlisted: envBool("SHARED_CACHE_REJECT_UNLISTED", false),

		OpsHubEnabled: envBool("VISGATE_OPS_HUB_ENABLED", false),

		LogLevel: envOr("LOG_LEVEL", "info"),

		PhaseBudget: envDuration("VISGATE_PHASE_BUDGET_SECONDS", 20*time.Minute),
	}
}

// UsesDurableStore reports whether the configuration selects the Postgres
// Store over the in-memory one, per spec.md §6.3's
// "GCP_PROJECT_ID empty ⇒ in-memory; USE_MEMORY_REPO forces in-memory
// regardless" rule.
func (c *Config) UsesDurableStore() bool {
	if c.UseMemoryRepo {
		return false
	}
	return c.GCPProjectID != "" && c.DatabaseURL != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}
