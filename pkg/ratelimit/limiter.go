// Package ratelimit provides token bucket rate limiting for the decision API.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter provides token bucket rate limiting.
type Limiter struct {
	rate     float64 // tokens per second
	burst    int     // maximum burst size
	tokens   float64
	lastTime time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter that starts full.
func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiterAt(rate, burst, time.Now)
}

func newLimiterAt(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: now(),
		now:      now,
	}
}

// Allow checks if an operation is allowed and consumes a token if so.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN checks if n operations are allowed and consumes n tokens if so.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// RetryAfter returns how long until one token is available.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= 1 || l.rate <= 0 {
		return 0
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// Rate returns the token refill rate per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Burst returns the maximum burst size.
func (l *Limiter) Burst() int {
	return l.burst
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.lastTime = now
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// idle reports whether the bucket has not been used since cutoff.
func (l *Limiter) idle(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTime.Before(cutoff)
}
