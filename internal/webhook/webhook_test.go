package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliverSucceedsOnFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New()
	err := d.Deliver(context.Background(), srv.URL, Payload{Event: "deployment.ready", DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected 1 hit, got %d", hits)
	}
}

func TestDeliverDoesNotRetryTerminalStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New()
	d.Retries = 3
	start := time.Now()
	err := d.Deliver(context.Background(), srv.URL, Payload{Event: "deployment.ready", DeploymentID: "dep-1"})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected terminal delivery error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected exactly 1 attempt for a terminal status, got %d", hits)
	}
	if elapsed > time.Second {
		t.Errorf("terminal failure should not wait for a retry backoff, took %v", elapsed)
	}
}

func TestDeliverRetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &Dispatcher{Client: srv.Client(), Retries: 3}
	retrySchedule = []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}
	defer func() { retrySchedule = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second} }()

	err := d.Deliver(context.Background(), srv.URL, Payload{Event: "deployment.ready", DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 attempts, got %d", hits)
	}
}

func TestDeliverExhaustsRetriesOnPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := &Dispatcher{Client: srv.Client(), Retries: 2}
	retrySchedule = []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}
	defer func() { retrySchedule = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second} }()

	err := d.Deliver(context.Background(), srv.URL, Payload{Event: "deployment.ready", DeploymentID: "dep-1"})
	if err == nil {
		t.Fatal("expected delivery error after exhausting retries")
	}
	var delivErr *DeliveryError
	if !asDeliveryError(err, &delivErr) {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
	if delivErr.Attempts != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", delivErr.Attempts)
	}
}

func asDeliveryError(err error, target **DeliveryError) bool {
	de, ok := err.(*DeliveryError)
	if !ok {
		return false
	}
	*target = de
	return true
}

func TestNewUsesTwoTierTimeoutBudget(t *testing.T) {
	d := New()
	if d.Client.Timeout != 0 {
		t.Errorf("expected no flat client timeout, got %v", d.Client.Timeout)
	}
	transport, ok := d.Client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", d.Client.Transport)
	}
	if transport.TLSHandshakeTimeout != connectTimeout {
		t.Errorf("expected TLSHandshakeTimeout=%v, got %v", connectTimeout, transport.TLSHandshakeTimeout)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	cases := map[int]bool{
		400: false,
		404: false,
		408: true,
		429: true,
		500: true,
		503: true,
	}
	for status, want := range cases {
		if got := isRetryableStatus(status); got != want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
