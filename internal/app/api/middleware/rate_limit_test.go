package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/composerkit/billing-api/pkg/config"
)

func newTestLimiter(interval time.Duration) *RateLimiter {
	cfg := &config.Config{}
	cfg.RateLimit.Interval = interval
	cfg.RateLimit.Size = 16
	return NewRateLimiter(cfg)
}

func TestRateLimiter_BlocksWithinInterval(t *testing.T) {
	l := newTestLimiter(time.Minute)

	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(time.Minute)

	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("5.6.7.8"))
}

func TestRateLimiter_AllowsAfterInterval(t *testing.T) {
	l := newTestLimiter(time.Minute)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	require.True(t, l.Allow("1.2.3.4"))
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.True(t, l.Allow("1.2.3.4"))
}
