package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter ограничивает частоту запросов каждого арендатора отдельным token bucket.
// Арендатор берётся из контекста, поэтому middleware ставится после TenantAuth.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter создаёт ограничитель на rps запросов в секунду для каждого арендатора.
func NewRateLimiter(rps float64) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    max(1, int(rps)),
	}
}

func (rl *RateLimiter) limiter(tenantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[tenantID] = l
	}
	return l
}

// Middleware отвечает 429, если арендатор превысил лимит. При rps <= 0 ограничение отключено.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		tenantID, _ := GetTenantIDFromContext(r.Context())
		if !rl.limiter(tenantID).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
