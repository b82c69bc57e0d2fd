package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialdesk/dialdesk/pkg/logging"
)

// RateLimiter enforces a fixed-window per-IP request limit backed by Redis,
// so limits hold across replicas. Redis outages fail open: webhook traffic
// is too important to drop because the limiter is down.
type RateLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	logger *logging.Logger
}

// NewRateLimiter allows limit requests per window per client IP.
func NewRateLimiter(rdb redis.UniversalClient, limit int, window time.Duration, logger *logging.Logger) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RateLimiter{rdb: rdb, limit: limit, window: window, logger: logger}
}

// Allow reports whether the request from ip is inside the limit, along with
// how many requests remain in the current window.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) (bool, int) {
	if rl.rdb == nil {
		return true, rl.limit
	}
	key := fmt.Sprintf("ratelimit:%s", ip)

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		rl.logger.Warn("rate limiter unavailable, failing open", "error", err)
		return true, rl.limit
	}
	if count == 1 {
		if err := rl.rdb.Expire(ctx, key, rl.window).Err(); err != nil {
			rl.logger.Warn("failed to set rate limit window", "error", err)
		}
	}
	remaining := rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.limit), remaining
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		// Prefer X-Real-Ip set by chi's RealIP middleware.
		if xri := r.Header.Get("X-Real-Ip"); xri != "" {
			ip = xri
		}
		ok, remaining := rl.Allow(r.Context(), ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
