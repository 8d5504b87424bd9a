package channels

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from rotating source keys.
	maxTrackedKeys = 4096

	// rateLimitPerMinute is the sustained inbound rate per key.
	rateLimitPerMinute = 30
)

// RateLimiter applies a per-key token bucket to inbound events. The key
// table is LRU-bounded. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a bounded inbound rate limiter with the default
// per-minute budget.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithBudget(rateLimitPerMinute)
}

// NewRateLimiterWithBudget creates a limiter allowing perMinute events
// sustained, with an equal burst.
func NewRateLimiterWithBudget(perMinute int) *RateLimiter {
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedKeys)
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		buckets: buckets,
	}
}

// Allow consumes one token for key. When the budget is exhausted it returns
// (retryAfterSeconds, false) without consuming.
func (r *RateLimiter) Allow(key string) (int, bool) {
	r.mu.Lock()
	lim, ok := r.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.buckets.Add(key, lim)
	}
	r.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return int(math.Ceil(delay.Seconds())), false
	}
	return 0, true
}
