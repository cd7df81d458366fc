package api

import (
	"sync"
	"sync/atomic"
	"time"

	"lodging/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultBurst = 5
	// buckets untouched for this long are dropped on the next sweep
	limiterIdleTTL = 10 * time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// rateLimiter hands out one token bucket per client key. Gateway clients
// without API keys are keyed by address, so idle buckets are swept.
type rateLimiter struct {
	buckets   sync.Map // map[string]*bucket
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep atomic.Int64
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	l := &rateLimiter{limit: limit, burst: burst, now: time.Now}
	l.lastSweep.Store(l.now().UnixNano())
	return l
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	b := l.bucketFor(key)
	b.lastSeen.Store(now.UnixNano())

	if last := l.lastSweep.Load(); now.UnixNano()-last > int64(limiterIdleTTL) && l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		l.sweep(now)
	}
	return b.lim.AllowN(now, 1)
}

func (l *rateLimiter) bucketFor(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	actual, _ := l.buckets.LoadOrStore(key, &bucket{lim: rate.NewLimiter(l.limit, l.burst)})
	return actual.(*bucket)
}

// sweep drops buckets idle for longer than limiterIdleTTL and returns how
// many it removed.
func (l *rateLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-limiterIdleTTL).UnixNano()
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		if v.(*bucket).lastSeen.Load() < cutoff {
			l.buckets.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

func (l *rateLimiter) size() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
