package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc derives the throttling key for a request, typically the caller
// identity. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over limit per window with 429.
func Middleware(l Limiter, limit int, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if l == nil || k == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), k, limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
				h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
