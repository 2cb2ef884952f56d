package hfvalidate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
)

func TestValidateRegistryFastPathSkipsNetwork(t *testing.T) {
	v := NewHTTPValidator()
	v.BaseURL = "http://127.0.0.1:1" // unreachable on purpose

	meta, err := v.Validate(context.Background(), "black-forest-labs/FLUX.1-dev", "")
	if err != nil {
		t.Fatalf("registry hit should not touch the network: %v", err)
	}
	if !meta.FromRegistry || meta.MinVRAMGB != 28 {
		t.Errorf("got %+v", meta)
	}
}

func TestValidateNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	v := NewHTTPValidator()
	v.BaseURL = srv.URL

	_, err := v.Validate(context.Background(), "some/unknown-model", "")
	de, ok := err.(*deployment.Error)
	if !ok || de.Kind != deployment.KindModelNotFound {
		t.Fatalf("got %v, want ModelNotFoundError", err)
	}
}

func TestValidateGatedWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"some/gated-model","gated":true}`))
	}))
	defer srv.Close()

	v := NewHTTPValidator()
	v.BaseURL = srv.URL

	_, err := v.Validate(context.Background(), "some/gated-model", "")
	de, ok := err.(*deployment.Error)
	if !ok || de.Kind != deployment.KindModelGated {
		t.Fatalf("got %v, want ModelGatedError", err)
	}
}

func TestValidateUnregisteredModelEstimatesFromSafetensors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"some/custom-model","pipeline_tag":"text2img","safetensors":{"parameters":{"BF16":7000000000}}}`))
	}))
	defer srv.Close()

	v := NewHTTPValidator()
	v.BaseURL = srv.URL

	meta, err := v.Validate(context.Background(), "some/custom-model", "")
	if err != nil {
		t.Fatal(err)
	}
	if meta.FromRegistry {
		t.Error("should not be marked as a registry hit")
	}
	if meta.MinVRAMGB != 24 {
		t.Errorf("got %d, want 24", meta.MinVRAMGB)
	}
}

func TestValidateRetriesOn429(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"some/custom-model","pipeline_tag":"text2img","safetensors":{"parameters":{"F16":500000000}}}`))
	}))
	defer srv.Close()

	v := NewHTTPValidator()
	v.BaseURL = srv.URL

	_, err := v.Validate(context.Background(), "some/custom-model", "")
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}
