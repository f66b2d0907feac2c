package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the rate-limit identity from an inbound request. The
// default, DefaultKeyFunc, uses the presented bearer token, falling back to
// remote address; it does not depend on auth middleware having run.
type KeyFunc func(*http.Request) string

// skipPaths are never subject to rate limiting, mirroring the teacher's own
// health/metrics exemptions in its request lifecycle middleware.
var skipPaths = map[string]bool{
	"/health":        true,
	"/admin/metrics": true,
}

// Middleware returns chi-compatible middleware enforcing limiter's buckets,
// keyed by keyFn and the request path.
func Middleware(limiter *Limiter, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFn(r)
			allowed, info := limiter.Allow(key, r.URL.Path)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetUnix, 10))

			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.FormatInt(info.ResetUnix, 10))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyFunc falls back to the bearer token (if present) else the remote
// address, matching the original middleware's user-id-else-ip fallback.
func DefaultKeyFunc(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			return "key:" + token
		}
	}
	return "ip:" + r.RemoteAddr
}
