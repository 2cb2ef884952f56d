// Package idgen generates deployment ids and deterministic endpoint names.
package idgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeploymentID returns a new deployment id of the form dep_<year>_<uuid8>.
func DeploymentID(now time.Time) string {
	return fmt.Sprintf("dep_%d_%s", now.Year(), uuid.New().String()[:8])
}

// RequestID returns a new correlation id for one inbound HTTP request,
// threaded through structured logs and provider calls.
func RequestID() string {
	return uuid.New().String()
}

// EndpointName derives a provider-facing endpoint name from a deployment
// id, using the visgate- prefix + short id suffix convention every
// provider backend follows for easy discovery.
func EndpointName(deploymentID string) string {
	suffix := deploymentID
	if idx := strings.LastIndex(deploymentID, "_"); idx != -1 {
		suffix = deploymentID[idx+1:]
	}
	return "visgate-" + suffix
}
