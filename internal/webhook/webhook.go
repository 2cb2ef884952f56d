// Package webhook delivers deployment-ready (and failure) notifications to
// a caller's webhook URL, with bounded retries and a terminal-vs-retryable
// status classification that decides whether another attempt is worth it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/redact"
)

// connectTimeout bounds dialing and TLS handshake; requestTimeout bounds
// the whole round trip including the receiver's response time. The two
// are deliberately separate: a receiver that's slow to respond but did
// connect fine shouldn't be treated the same as one that never answers.
const (
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// retrySchedule is the delay before each retry attempt, applied between
// attempts (not before the first one).
var retrySchedule = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}

// UsageExample is embedded in a ready payload so the caller can start
// using the endpoint without consulting separate docs.
type UsageExample struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body"`
}

// Payload is the JSON body POSTed to a caller's webhook URL.
type Payload struct {
	Event              string        `json:"event"`
	DeploymentID       string        `json:"deployment_id"`
	Status             string        `json:"status"`
	EndpointURL        string        `json:"endpoint_url,omitempty"`
	ProviderEndpointID string        `json:"provider_endpoint_id,omitempty"`
	ModelID            string        `json:"model_id"`
	GPUAllocated       string        `json:"gpu_allocated,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	ReadyAt            *time.Time    `json:"ready_at,omitempty"`
	DurationSeconds    float64       `json:"duration_seconds,omitempty"`
	Error              string        `json:"error,omitempty"`
	UsageExample       *UsageExample `json:"usage_example,omitempty"`
}

// Dispatcher delivers Payloads with bounded retries.
type Dispatcher struct {
	Client  *http.Client
	Retries int
}

// New returns a Dispatcher with production defaults: a 10s connect
// timeout, a 30s total per-attempt budget, and the standard three-attempt
// retry schedule.
func New() *Dispatcher {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Dispatcher{
		Client:  &http.Client{Transport: transport},
		Retries: len(retrySchedule),
	}
}

// Deliver POSTs payload to url, retrying on transport errors and
// retryable HTTP statuses per the configured schedule. It returns nil on
// a 2xx response and a *DeliveryError otherwise, once retries are
// exhausted.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	attempts := d.Retries
	if attempts <= 0 {
		attempts = 1
	}
	made := 0

	for attempt := 0; attempt < attempts; attempt++ {
		made++
		attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.Client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					lastErr = nil
				} else {
					lastErr = fmt.Errorf("http %d", resp.StatusCode)
					if !isRetryableStatus(resp.StatusCode) {
						attempt = attempts // break out without another retry
					}
				}
			}()
			if lastErr == nil {
				log.Printf("webhook: delivered to %s for %s", redact.Secret(url), payload.DeploymentID)
				return nil
			}
		}

		if attempt < attempts-1 {
			idx := attempt
			if idx >= len(retrySchedule) {
				idx = len(retrySchedule) - 1
			}
			select {
			case <-time.After(retrySchedule[idx]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	log.Printf("webhook: delivery failed after %d attempts for %s: %v", made, payload.DeploymentID, lastErr)
	return &DeliveryError{URL: url, Attempts: made, Cause: lastErr}
}

// isRetryableStatus classifies an HTTP status as worth retrying. Every
// 4xx is terminal except 408 (timeout) and 429 (rate limited); every 5xx
// and network error is retryable.
func isRetryableStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	if status >= 400 && status < 500 {
		return false
	}
	return true
}

// DeliveryError means every retry attempt failed.
type DeliveryError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery to %s failed after %d attempts: %v", redact.Secret(e.URL), e.Attempts, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }
