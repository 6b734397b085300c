package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit rejects requests with 429 once the token bucket described by
// limit and burst is empty. A zero or negative limit disables limiting.
func RateLimit(limit rate.Limit, burst int, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", retryAfter(delay))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
