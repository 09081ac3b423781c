// Package ratelimit provides token-bucket admission control keyed by a
// logical client or operation name.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per key. Capacity is the burst size and
// tokens refill at requests-per-minute/60 per second. Check-and-decrement
// for a key is serialized inside rate.Limiter, so two concurrent calls
// cannot both spend the last token.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	refill  rate.Limit
	burst   int
}

// New creates a Limiter allowing requestsPerMinute sustained with bursts of
// burstSize. Non-positive parameters fall back to 60/min and a burst of 10.
func New(requestsPerMinute, burstSize int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = 10
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		refill:  rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burstSize,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.refill, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether one request for key is admitted now, consuming a
// token when it is.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// AllowAt is Allow evaluated at an explicit instant. Tests use it to
// simulate the passage of time deterministically.
func (l *Limiter) AllowAt(t time.Time, key string) bool {
	return l.bucket(key).AllowN(t, 1)
}

// Reset discards the bucket for key, restoring its full burst.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
