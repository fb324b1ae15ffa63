// Package middleware carries the HTTP cross-cutting concerns of the
// API service: rate limiting, request logging, CORS.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/ratelimit"
)

// RateLimit enforces the given tiers per client IP. Blocklisted IPs get
// a hard 403; throttled requests get 429 with Retry-After.
func RateLimit(limiter *ratelimit.Limiter, endpoint string, m *metrics.Metrics, tiers ...ratelimit.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.RealIP(r)

			decision, err := limiter.Check(r.Context(), ip, tiers...)
			if err != nil {
				if errors.Is(err, ratelimit.ErrBlocked) {
					countLimited(m, endpoint, "blocked")
					writeError(w, http.StatusForbidden, "forbidden")
					return
				}
				// Limiter errors other than the blocklist verdict fail
				// open inside Check; anything surfacing here is a bug,
				// but admitting is still the right bias.
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				countLimited(m, endpoint, "throttled")
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func countLimited(m *metrics.Metrics, endpoint, kind string) {
	if m != nil {
		m.RateLimited.WithLabelValues(endpoint, kind).Inc()
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
