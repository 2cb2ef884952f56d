package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunPodCreateEndpointSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body graphQLRequest
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"saveEndpoint":{"id":"ep-123"}}}`))
	}))
	defer srv.Close()

	a := NewRunPodAdapter("key", "tmpl-1")
	a.URL = srv.URL

	out, err := a.CreateEndpoint(context.Background(), CreateEndpointRequest{
		Name:    "visgate-abc",
		GPUTier: "AMPERE_48",
		Env:     EnvVars{HFModelID: "stabilityai/sdxl-turbo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.EndpointID != "ep-123" {
		t.Errorf("got %q", out.EndpointID)
	}
	if out.URL != "https://api.runpod.ai/v2/ep-123/run" {
		t.Errorf("got %q", out.URL)
	}
}

func TestRunPodCapacityErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors":[{"message":"no longer any instances available for this GPU type"}]}`))
	}))
	defer srv.Close()

	a := NewRunPodAdapter("key", "tmpl-1")
	a.URL = srv.URL
	a.MaxRetries = 1

	_, err := a.CreateEndpoint(context.Background(), CreateEndpointRequest{Name: "x", GPUTier: "AMPERE_80"})
	if !IsCapacityError(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestRunPodGenericErrorIsNotCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors":[{"message":"invalid templateId"}]}`))
	}))
	defer srv.Close()

	a := NewRunPodAdapter("key", "bad-template")
	a.URL = srv.URL
	a.MaxRetries = 1

	_, err := a.CreateEndpoint(context.Background(), CreateEndpointRequest{Name: "x", GPUTier: "AMPERE_80"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsCapacityError(err) {
		t.Fatalf("invalid templateId should not classify as capacity")
	}
}

func TestRunPodListAndGetStatus(t *testing.T) {
	var healthResponse string
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"myself":{"endpoints":[{"id":"ep-1","name":"visgate-ep-1"}]}}}`))
	})
	mux.HandleFunc("/v2/ep-1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(healthResponse))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewRunPodAdapter("key", "tmpl-1")
	a.URL = srv.URL + "/graphql"
	a.HealthBaseURL = srv.URL

	list, err := a.ListEndpoints(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].EndpointID != "ep-1" {
		t.Fatalf("got %+v", list)
	}

	// Endpoint exists but no worker has come up yet: still just "created".
	healthResponse = `{"workers":{"idle":0,"initializing":1,"ready":0,"running":0,"unhealthy":0}}`
	status, err := a.GetEndpointStatus(context.Background(), "ep-1")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Created {
		t.Error("expected Created=true for a known endpoint")
	}
	if status.WorkersReady != 0 {
		t.Errorf("expected WorkersReady=0 while the worker is still initializing, got %d", status.WorkersReady)
	}

	// A worker reports ready: the endpoint is now actually serviceable.
	healthResponse = `{"workers":{"idle":0,"initializing":0,"ready":1,"running":0,"unhealthy":0}}`
	status, err = a.GetEndpointStatus(context.Background(), "ep-1")
	if err != nil {
		t.Fatal(err)
	}
	if status.WorkersReady != 1 {
		t.Errorf("expected WorkersReady=1 once a worker reports ready, got %d", status.WorkersReady)
	}

	status2, _ := a.GetEndpointStatus(context.Background(), "missing")
	if status2.Created {
		t.Error("expected Created=false for an unknown endpoint")
	}
}
