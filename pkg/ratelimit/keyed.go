package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter keeps one token bucket per key, such as a client address.
// Buckets unused for longer than the idle timeout are evicted.
type KeyedLimiter struct {
	rate  float64
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*Limiter
	lastSweep time.Time
}

// NewKeyedLimiter returns a limiter allowing rate requests per second per
// key, with bursts of up to burst. A zero idle timeout defaults to ten
// minutes.
func NewKeyedLimiter(rate float64, burst int, idle time.Duration) *KeyedLimiter {
	return newKeyedLimiterAt(rate, burst, idle, time.Now)
}

func newKeyedLimiterAt(rate float64, burst int, idle time.Duration, now func() time.Time) *KeyedLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &KeyedLimiter{
		rate:      rate,
		burst:     burst,
		idle:      idle,
		now:       now,
		limiters:  make(map[string]*Limiter),
		lastSweep: now(),
	}
}

// Allow consumes a token from key's bucket. When the bucket is empty it
// returns false and the time until a token is available.
func (k *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	l := k.limiter(key)
	if l.Allow() {
		return true, 0
	}
	return false, l.RetryAfter()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *KeyedLimiter) limiter(key string) *Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastSweep) >= k.idle {
		cutoff := now.Add(-k.idle)
		for key, l := range k.limiters {
			if l.idle(cutoff) {
				delete(k.limiters, key)
			}
		}
		k.lastSweep = now
	}

	l, ok := k.limiters[key]
	if !ok {
		l = newLimiterAt(k.rate, k.burst, k.now)
		k.limiters[key] = l
	}
	return l
}
