package secretcache

import (
	"testing"
	"time"
)

func TestStoreAndGet(t *testing.T) {
	c := New()
	c.Store("dep-1", Secrets{ProviderAPIKey: "key1"})
	got, ok := c.Get("dep-1")
	if !ok || got.ProviderAPIKey != "key1" {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

func TestGetExpired(t *testing.T) {
	c := New()
	c.ttl = time.Millisecond
	c.Store("dep-1", Secrets{ProviderAPIKey: "key1"})
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("dep-1")
	if ok {
		t.Fatal("expected expired entry to be gone")
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.Store("dep-1", Secrets{ProviderAPIKey: "key1"})
	c.Clear("dep-1")
	if _, ok := c.Get("dep-1"); ok {
		t.Fatal("expected cleared entry to be gone")
	}
}

func TestGetMissing(t *testing.T) {
	c := New()
	if _, ok := c.Get("nope"); ok {
		t.Fatal("expected missing entry to return false")
	}
}
