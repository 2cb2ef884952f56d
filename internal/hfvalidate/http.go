package hfvalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/registry"
)

const defaultHubBaseURL = "https://huggingface.co/api/models"

// HTTPValidator is the production Validator: a registry fast path that
// skips the network entirely, and a slow path against the public HF Hub
// model-info REST endpoint for everything else.
type HTTPValidator struct {
	BaseURL    string
	Client     *http.Client
	MaxRetries int
}

// NewHTTPValidator returns a Validator with sane production defaults.
func NewHTTPValidator() *HTTPValidator {
	return &HTTPValidator{
		BaseURL:    defaultHubBaseURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		MaxRetries: 3,
	}
}

type hubSafetensors struct {
	Parameters map[string]int64 `json:"parameters"`
	Total      int64            `json:"total"`
}

type hubModelInfo struct {
	ID          string          `json:"id"`
	Gated       any             `json:"gated"`
	PipelineTag string          `json:"pipeline_tag"`
	Safetensors *hubSafetensors `json:"safetensors"`
}

// Validate implements Validator.
func (v *HTTPValidator) Validate(ctx context.Context, hfModelID string, token string) (Metadata, error) {
	if spec, ok := registry.Lookup(hfModelID); ok {
		tag := registry.PipelineTag("")
		if len(spec.Tasks) > 0 {
			tag = spec.Tasks[0]
		}
		return Metadata{
			ModelID:      hfModelID,
			MinVRAMGB:    spec.MinVRAMGB,
			PipelineTag:  tag,
			FromRegistry: true,
		}, nil
	}

	info, err := v.fetchWithRetry(ctx, hfModelID, token)
	if err != nil {
		return Metadata{}, err
	}

	if gated, ok := info.Gated.(bool); ok && gated && token == "" {
		return Metadata{}, NewModelGatedError(hfModelID)
	}
	if gatedStr, ok := info.Gated.(string); ok && gatedStr != "" && gatedStr != "false" && token == "" {
		return Metadata{}, NewModelGatedError(hfModelID)
	}

	params := registry.ParamsByDtype{}
	var paramsMillions *int
	if info.Safetensors != nil {
		for dtype, count := range info.Safetensors.Parameters {
			params[dtype] = count
		}
		if len(params) == 0 && info.Safetensors.Total > 0 {
			m := int(info.Safetensors.Total / 1_000_000)
			paramsMillions = &m
		}
	}

	minVRAM, err := registry.MinVRAMGB(hfModelID, params, paramsMillions)
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		ModelID:       hfModelID,
		MinVRAMGB:     minVRAM,
		PipelineTag:   registry.PipelineTag(info.PipelineTag),
		FromRegistry:  false,
		ParamsByDtype: params,
	}, nil
}

func (v *HTTPValidator) fetchWithRetry(ctx context.Context, modelID, token string) (*hubModelInfo, error) {
	url := fmt.Sprintf("%s/%s", v.BaseURL, modelID)

	var lastErr error
	for attempt := 0; attempt < v.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := v.Client.Do(req)
		if err != nil {
			lastErr = &ModelRegistryUnreachableError{ModelID: modelID, Cause: err}
			sleepBackoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, NewModelNotFoundError(modelID)
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			return nil, NewModelGatedError(modelID)
		case resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return nil, &ModelAccessDeniedError{ModelID: modelID}
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = &ModelRegistryUnreachableError{ModelID: modelID, Cause: fmt.Errorf("rate limited (429)")}
			sleepBackoff(ctx, attempt)
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = &ModelRegistryUnreachableError{ModelID: modelID, Cause: fmt.Errorf("hub returned %d", resp.StatusCode)}
			sleepBackoff(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			resp.Body.Close()
			return nil, NewModelNotFoundError(modelID)
		}

		var info hubModelInfo
		decodeErr := json.NewDecoder(resp.Body).Decode(&info)
		resp.Body.Close()
		if decodeErr != nil {
			lastErr = &ModelRegistryUnreachableError{ModelID: modelID, Cause: decodeErr}
			continue
		}
		return &info, nil
	}

	if lastErr == nil {
		lastErr = &ModelRegistryUnreachableError{ModelID: modelID, Cause: fmt.Errorf("exhausted retries")}
	}
	return nil, lastErr
}

func sleepBackoff(ctx context.Context, attempt int) {
	delay := time.Duration(1<<attempt) * time.Second
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
