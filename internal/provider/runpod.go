package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRunPodGraphQLURL = "https://api.runpod.io/graphql"

const runPodEndpointRunURLFormat = "https://api.runpod.ai/v2/%s/run"

const defaultRunPodHealthBaseURL = "https://api.runpod.ai"

const mutationSaveEndpoint = `
mutation SaveEndpoint($input: EndpointInput!) {
  saveEndpoint(input: $input) {
    id
    gpuIds
    name
    idleTimeout
    locations
    scalerType
    scalerValue
    templateId
    workersMax
    workersMin
  }
}`

const mutationDeleteEndpoint = `
mutation DeleteEndpoint($id: String!) {
  deleteEndpoint(id: $id)
}`

const queryMyselfEndpoints = `
query Endpoints {
  myself {
    endpoints {
      id
      gpuIds
      name
      workersMax
      workersMin
    }
  }
}`

// RunPodAdapter drives RunPod's serverless GraphQL API.
type RunPodAdapter struct {
	APIKey        string
	TemplateID    string
	URL           string
	HealthBaseURL string
	Client        *http.Client
	MaxRetries    int
}

// NewRunPodAdapter returns an Adapter with sane production defaults.
func NewRunPodAdapter(apiKey, templateID string) *RunPodAdapter {
	return &RunPodAdapter{
		APIKey:        apiKey,
		TemplateID:    templateID,
		URL:           defaultRunPodGraphQLURL,
		HealthBaseURL: defaultRunPodHealthBaseURL,
		Client:        &http.Client{Timeout: 30 * time.Second},
		MaxRetries:    3,
	}
}

type graphQLRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

func (a *RunPodAdapter) request(ctx context.Context, query string, variables any) (json.RawMessage, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, err
	}

	url := a.URL + "?api_key=" + a.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, &GenericError{Provider: "runpod", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GenericError{Provider: "runpod", Cause: err}
	}

	var parsed graphQLResponse
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
		if resp.StatusCode >= 400 {
			return nil, &GenericError{Provider: "runpod", Cause: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(raw), 500))}
		}
		return nil, &GenericError{Provider: "runpod", Cause: jsonErr}
	}

	if len(parsed.Errors) > 0 {
		msg := parsed.Errors[0].Message
		if isCapacityMessage(msg) {
			return nil, &CapacityError{Provider: "runpod", Cause: errors.New(msg)}
		}
		return nil, &GenericError{Provider: "runpod", Cause: errors.New(msg)}
	}

	if resp.StatusCode >= 400 {
		return nil, &GenericError{Provider: "runpod", Cause: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(raw), 500))}
	}

	return parsed.Data, nil
}

// isCapacityMessage classifies a RunPod GraphQL error message as a
// capacity condition rather than a generic failure.
func isCapacityMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no longer any instances") ||
		strings.Contains(lower, "capacity") ||
		strings.Contains(lower, "no_valid_worker")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (a *RunPodAdapter) requestWithRetry(ctx context.Context, query string, variables any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < a.MaxRetries; attempt++ {
		data, err := a.request(ctx, query, variables)
		if err == nil {
			return data, nil
		}
		if IsCapacityError(err) {
			return nil, err // not retryable: fallback decides the next tier
		}
		lastErr = err
		if attempt < a.MaxRetries-1 {
			select {
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (a *RunPodAdapter) CreateEndpoint(ctx context.Context, reqIn CreateEndpointRequest) (CreatedEndpoint, error) {
	env := map[string]string{"HF_MODEL_ID": reqIn.Env.HFModelID}
	if reqIn.Env.HFToken != "" {
		env["HF_TOKEN"] = reqIn.Env.HFToken
	}
	if reqIn.Env.CallbackURL != "" {
		env["VISGATE_WEBHOOK"] = reqIn.Env.CallbackURL
	}
	if reqIn.Env.S3URL != "" {
		env["VISGATE_S3_URL"] = reqIn.Env.S3URL
		env["VISGATE_S3_ACCESS_KEY"] = reqIn.Env.S3AccessKey
		env["VISGATE_S3_SECRET_KEY"] = reqIn.Env.S3SecretKey
		if reqIn.Env.S3EndpointURL != "" {
			env["VISGATE_S3_ENDPOINT_URL"] = reqIn.Env.S3EndpointURL
		}
	}
	for k, v := range reqIn.Env.Extra {
		env[k] = v
	}

	scalerType := reqIn.Workers.ScalerType
	if scalerType == "" {
		scalerType = "QUEUE_DELAY"
	}
	scalerValue := reqIn.Workers.ScalerValue
	if scalerValue == 0 {
		scalerValue = 4
	}
	idleTimeout := reqIn.Workers.IdleTimeoutSec
	if idleTimeout == 0 {
		idleTimeout = 5
	}

	input := map[string]any{
		"name":            reqIn.Name,
		"templateId":      a.TemplateID,
		"gpuIds":          reqIn.GPUTier,
		"idleTimeout":     idleTimeout,
		"locations":       "US",
		"scalerType":      scalerType,
		"scalerValue":      scalerValue,
		"workersMin":      reqIn.Workers.WorkersMin,
		"workersMax":      reqIn.Workers.WorkersMax,
		"networkVolumeId": "",
		"env":             env,
	}

	data, err := a.requestWithRetry(ctx, mutationSaveEndpoint, map[string]any{"input": input})
	if err != nil {
		return CreatedEndpoint{}, err
	}

	var out struct {
		SaveEndpoint struct {
			ID string `json:"id"`
		} `json:"saveEndpoint"`
	}
	if jsonErr := json.Unmarshal(data, &out); jsonErr != nil {
		return CreatedEndpoint{}, &GenericError{Provider: "runpod", Cause: jsonErr}
	}
	if out.SaveEndpoint.ID == "" {
		return CreatedEndpoint{}, &GenericError{Provider: "runpod", Cause: fmt.Errorf("saveEndpoint returned no id")}
	}

	return CreatedEndpoint{
		EndpointID: out.SaveEndpoint.ID,
		URL:        fmt.Sprintf(runPodEndpointRunURLFormat, out.SaveEndpoint.ID),
	}, nil
}

func (a *RunPodAdapter) DeleteEndpoint(ctx context.Context, endpointID string) error {
	_, err := a.requestWithRetry(ctx, mutationDeleteEndpoint, map[string]any{"id": endpointID})
	return err
}

func (a *RunPodAdapter) ListEndpoints(ctx context.Context) ([]EndpointSummary, error) {
	data, err := a.requestWithRetry(ctx, queryMyselfEndpoints, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Myself struct {
			Endpoints []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"endpoints"`
		} `json:"myself"`
	}
	if jsonErr := json.Unmarshal(data, &out); jsonErr != nil {
		return nil, &GenericError{Provider: "runpod", Cause: jsonErr}
	}
	summaries := make([]EndpointSummary, 0, len(out.Myself.Endpoints))
	for _, e := range out.Myself.Endpoints {
		summaries = append(summaries, EndpointSummary{EndpointID: e.ID, Name: e.Name})
	}
	return summaries, nil
}

type runPodHealth struct {
	Workers struct {
		Ready        int `json:"ready"`
		Running      int `json:"running"`
		Idle         int `json:"idle"`
		Initializing int `json:"initializing"`
		Unhealthy    int `json:"unhealthy"`
	} `json:"workers"`
}

func (a *RunPodAdapter) GetEndpointStatus(ctx context.Context, endpointID string) (EndpointStatus, error) {
	endpoints, err := a.ListEndpoints(ctx)
	if err != nil {
		return EndpointStatus{}, err
	}
	var exists bool
	for _, e := range endpoints {
		if e.EndpointID == endpointID {
			exists = true
			break
		}
	}
	if !exists {
		return EndpointStatus{Created: false}, nil
	}

	health, err := a.queryHealth(ctx, endpointID)
	if err != nil {
		// The endpoint exists but its worker hasn't come up far enough to
		// answer a health check yet (no cold-booted container bound to it
		// yet) — that is still "created, not ready", not an adapter error.
		return EndpointStatus{Created: true, WorkersReady: 0, LastError: err.Error()}, nil
	}

	ready := health.Workers.Ready + health.Workers.Running
	lastError := ""
	if health.Workers.Unhealthy > 0 {
		lastError = fmt.Sprintf("%d unhealthy worker(s)", health.Workers.Unhealthy)
	}
	return EndpointStatus{Created: true, WorkersReady: ready, LastError: lastError}, nil
}

func (a *RunPodAdapter) queryHealth(ctx context.Context, endpointID string) (*runPodHealth, error) {
	url := fmt.Sprintf("%s/v2/%s/health", a.HealthBaseURL, endpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("health check http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var health runPodHealth
	if jsonErr := json.Unmarshal(raw, &health); jsonErr != nil {
		return nil, jsonErr
	}
	return &health, nil
}
