package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/response"
)

// RateLimiter is an injected per-IP limiter backed by an expiring LRU, so
// its state is owned by the server wiring rather than module scope and tests
// can construct a fresh one.
type RateLimiter struct {
	seen     *expirable.LRU[string, time.Time]
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(cfg *config.Config) *RateLimiter {
	interval := cfg.RateLimit.Interval
	if interval <= 0 {
		interval = time.Second
	}
	size := cfg.RateLimit.Size
	if size <= 0 {
		size = 4096
	}
	return &RateLimiter{
		seen:     expirable.NewLRU[string, time.Time](size, nil, interval),
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether a request from key may proceed and records it.
func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	if last, ok := r.seen.Get(key); ok && now.Sub(last) < r.interval {
		return false
	}
	r.seen.Add(key, now)
	return true
}

// RateLimitMiddleware throttles mutating account endpoints per client IP.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.ErrorT[any](response.APIResponseCodeTooMany, "too many requests"))
			return
		}
		c.Next()
	}
}
