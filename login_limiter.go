package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultLoginBurst is how many credential requests an IP may send at once
	DefaultLoginBurst = 10
	// DefaultLoginRate is the sustained credential requests per second per IP
	DefaultLoginRate = 1.0

	loginBucketTTL = 5 * time.Minute
)

// LoginLimiter is a token bucket per client IP. Idle buckets are dropped
// on access once they exceed the TTL.
type LoginLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*loginBucket
	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	clock     Clock
}

type loginBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLoginLimiter creates a limiter allowing perSecond requests with burst
func NewLoginLimiter(perSecond float64, burst int) *LoginLimiter {
	if perSecond <= 0 {
		perSecond = DefaultLoginRate
	}
	if burst <= 0 {
		burst = DefaultLoginBurst
	}
	return &LoginLimiter{
		buckets:   make(map[string]*loginBucket),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       loginBucketTTL,
	}
}

func (l *LoginLimiter) WithClock(clock Clock) *LoginLimiter {
	l.clock = clock
	return l
}

// Allow consumes a token for key and reports whether the request may proceed
func (l *LoginLimiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}
	now := l.clock.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &loginBucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Len returns the number of tracked keys
func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
