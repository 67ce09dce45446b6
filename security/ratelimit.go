package security

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultLimiterIdleTimeout is how long an identifier's bucket survives without requests.
	DefaultLimiterIdleTimeout = 30 * time.Minute

	defaultLimiterCleanupInterval = 5 * time.Minute
)

// RateLimiter provides per-identifier rate limiting using a token bucket.
// Idle buckets expire from the underlying cache.
//
// The identifier is normally the client IP as resolved by ClientIP, so the
// limiter is only as trustworthy as the proxy configuration behind it: with
// proxy headers trusted blindly, a client can pick a fresh identifier per
// request.
type RateLimiter struct {
	limiters *cache.Cache
	rate     rate.Limit
	burst    int
	logger   *slog.Logger

	rejected atomic.Int64
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the given burst
// per identifier.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithIdleTimeout(requestsPerSecond, burst, DefaultLimiterIdleTimeout, logger)
}

// NewRateLimiterWithIdleTimeout is NewRateLimiter with a custom bucket idle timeout.
func NewRateLimiterWithIdleTimeout(requestsPerSecond, burst int, idle time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if idle <= 0 {
		idle = DefaultLimiterIdleTimeout
	}
	if burst <= 0 {
		burst = 1
	}

	return &RateLimiter{
		limiters: cache.New(idle, defaultLimiterCleanupInterval),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	limiter := rl.limiterFor(identifier)
	if limiter.Allow() {
		return true
	}
	total := rl.rejected.Add(1)
	rl.logger.Debug("Rate limit exceeded",
		"identifier", identifier,
		"total_rejected", total)
	return false
}

func (rl *RateLimiter) limiterFor(identifier string) *rate.Limiter {
	if v, ok := rl.limiters.Get(identifier); ok {
		limiter := v.(*rate.Limiter)
		// refresh the idle expiry
		rl.limiters.SetDefault(identifier, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	if err := rl.limiters.Add(identifier, limiter, cache.DefaultExpiration); err != nil {
		// another request created the bucket first
		if v, ok := rl.limiters.Get(identifier); ok {
			return v.(*rate.Limiter)
		}
		rl.limiters.SetDefault(identifier, limiter)
	}
	return limiter
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	TotalRejected  int64
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	return Stats{
		CurrentEntries: rl.limiters.ItemCount(),
		TotalRejected:  rl.rejected.Load(),
	}
}
