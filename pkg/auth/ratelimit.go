package auth

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pulseboard/pulseboard/pkg/httpx"
)

// RateLimiter throttles requests per tenant using a token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per tenant with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(tenantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[tenantID] = l
	}
	return l
}

// Allow reports whether the tenant may proceed.
func (rl *RateLimiter) Allow(tenantID string) bool {
	return rl.limiter(tenantID).Allow()
}

// Middleware returns 429 once a tenant exceeds its ingestion budget.
// It must run after the authentication middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := TenantFromContext(r.Context())
		if !ok {
			httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !rl.Allow(tenant.ID) {
			httpx.RespondError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
