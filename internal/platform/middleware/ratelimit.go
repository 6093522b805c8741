package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"veil/pkg/requestcontext"
)

// slidingWindow tracks request timestamps per key. The sliding window avoids
// the burst at window boundaries a fixed counter would admit.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func (w *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept
}

// RateLimiter is an in-process sliding window limiter keyed by client IP.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*slidingWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it fits the limit.
func (l *RateLimiter) Allow(key string) (allowed bool, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.buckets[key]
	if !ok {
		w = &slidingWindow{window: l.window}
		l.buckets[key] = w
	}
	now := l.now()
	w.cleanup(now)

	if len(w.timestamps) >= l.limit {
		return false, 0, w.timestamps[0].Add(l.window)
	}
	w.timestamps = append(w.timestamps, now)
	return true, l.limit - len(w.timestamps), w.timestamps[0].Add(l.window)
}

// Middleware rejects over-limit requests with 429 and standard headers.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestcontext.ClientIP(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		allowed, remaining, resetAt := l.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds())+1, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
