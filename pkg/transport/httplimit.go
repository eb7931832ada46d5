package transport

import (
	"net/http"

	"golang.org/x/time/rate"
)

// HTTPBackstop is a coarse, global request-rate ceiling for the node's
// HTTP surfaces (the relay server), sitting in front of the bespoke
// per-device token bucket in ratelimit.go. It exists to bound total
// inbound load regardless of how many distinct devices are hammering the
// node; RateLimiter remains the per-(device,user) enforcement point.
type HTTPBackstop struct {
	limiter *rate.Limiter
}

// NewHTTPBackstop allows up to ratePerSec requests/second, bursting to
// burst.
func NewHTTPBackstop(ratePerSec float64, burst int) *HTTPBackstop {
	return &HTTPBackstop{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Middleware rejects with 429 once the backstop's budget is exhausted.
func (b *HTTPBackstop) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
