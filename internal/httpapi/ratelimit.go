package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedLimiters = 10000

// keyedLimiter keeps one token bucket per client key.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newKeyedLimiter(perSecond float64, burst int) *keyedLimiter {
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (limiter *keyedLimiter) Allow(key string) bool {
	limiter.mu.Lock()
	bucket, exists := limiter.limiters[key]
	if !exists {
		if len(limiter.limiters) >= maxTrackedLimiters {
			limiter.limiters = make(map[string]*rate.Limiter)
		}
		bucket = rate.NewLimiter(limiter.rate, limiter.burst)
		limiter.limiters[key] = bucket
	}
	limiter.mu.Unlock()
	return bucket.Allow()
}
