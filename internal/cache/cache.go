// Package cache implements the Cache Gate: a policy check on whether a
// model is allowed to use the shared weight cache, and a best-effort
// reachability probe for a caller's own private S3-compatible cache
// bucket.
package cache

import (
	"context"
	"log"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SharedPolicy decides whether a model may use the operator's shared
// weight cache.
type SharedPolicy struct {
	// Allowed, if non-empty, is the exclusive allowlist of model ids
	// permitted to use the shared cache.
	Allowed map[string]bool
	// RejectUnlisted matters only when Allowed is empty: true then makes
	// every model ineligible, false makes every model eligible. With a
	// non-empty Allowed, a model not in it is ineligible either way.
	RejectUnlisted bool
}

// NewSharedPolicy builds a policy from the allowlist env var's
// comma-separated model ids.
func NewSharedPolicy(allowedCSV string, rejectUnlisted bool) SharedPolicy {
	allowed := map[string]bool{}
	for _, id := range strings.Split(allowedCSV, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			allowed[id] = true
		}
	}
	return SharedPolicy{Allowed: allowed, RejectUnlisted: rejectUnlisted}
}

// Eligible reports whether modelID may use the shared cache.
func (p SharedPolicy) Eligible(modelID string) bool {
	if len(p.Allowed) == 0 {
		return !p.RejectUnlisted
	}
	return p.Allowed[modelID]
}

// PrivateProbeConfig is a caller-owned S3-compatible bucket's connection
// details, supplied per deployment for a private cache scope.
type PrivateProbeConfig struct {
	EndpointURL string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
}

// ProbePrivateCache checks whether a caller's private cache bucket is
// reachable. Failure here is never fatal to the deployment: it is
// best-effort, logged, and the worker falls back to cold download.
func ProbePrivateCache(ctx context.Context, cfg PrivateProbeConfig) error {
	mc, err := minio.New(cfg.EndpointURL, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return err
	}
	_, err = mc.ListBuckets(ctx)
	if err != nil {
		log.Printf("cache: private cache probe failed for %s: %v", cfg.EndpointURL, err)
	}
	return err
}
