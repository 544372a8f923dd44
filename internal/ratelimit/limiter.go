package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-caller rate limits for mutating API routes.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerHour sustained requests
// per caller with the given burst.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

// Allow checks whether a request from the given caller may proceed.
func (l *Limiter) Allow(caller string) bool {
	return l.limiterFor(caller).Allow()
}

// Tokens returns the caller's currently available tokens.
func (l *Limiter) Tokens(caller string) float64 {
	return l.limiterFor(caller).Tokens()
}

func (l *Limiter) limiterFor(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[caller]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[caller] = limiter
	}
	return limiter
}
