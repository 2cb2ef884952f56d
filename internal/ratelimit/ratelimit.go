// Package ratelimit enforces a per-owner token bucket on inbound deployment
// requests, keyed by owner_hash rather than IP so a caller behind a shared
// gateway IP isn't punished for another tenant's traffic.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

// Limiter is a per-owner token bucket limiter with periodic eviction of
// idle entries.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*limiterEntry
	rps      float64
	burst    int
}

// New starts a Limiter allowing rps requests per second per owner, with
// burst as the bucket size. It launches a background goroutine that evicts
// entries idle for more than 10 minutes.
func New(rps float64, burst int) *Limiter {
	l := &Limiter{visitors: map[string]*limiterEntry{}, rps: rps, burst: burst}
	go l.gc()
	return l
}

func (l *Limiter) gc() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		l.mu.Lock()
		for k, v := range l.visitors {
			if time.Since(v.last) > 10*time.Minute {
				delete(l.visitors, k)
			}
		}
		l.mu.Unlock()
	}
}

// Allow reports whether a request from ownerHash should proceed, and if
// not, how many seconds the caller should wait before retrying.
func (l *Limiter) Allow(ownerHash string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	le, ok := l.visitors[ownerHash]
	if !ok {
		le = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.visitors[ownerHash] = le
	}
	le.last = time.Now()
	if le.limiter.Allow() {
		return true, 0
	}
	retryAfter := int(le.limiter.Reserve().Delay().Seconds()) + 1
	return false, retryAfter
}

// Middleware wraps a handler, rejecting requests over the per-owner limit
// with 429 and a Retry-After header. ownerHashOf extracts the rate-limit
// key from the request (typically the authenticated owner_hash set by an
// earlier auth middleware).
func (l *Limiter) Middleware(ownerHashOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := ownerHashOf(r)
			allowed, retryAfter := l.Allow(owner)
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limited","message":"too many requests","details":{"retry_after_seconds":` + strconv.Itoa(retryAfter) + `}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
