// Package ratelimit provides per-key token-bucket throttling, used by
// the Orchestrator to bound producer submission rates in Enqueue. The
// rolling-hour budget gate does not use it; that gate counts outbound
// Messages in the store. Adapted from the teacher's
// control_plane/scheduler/limiter.go.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by TokenBucketLimiter; tests can substitute a
// fake that always/never allows.
type Limiter interface {
	Allow(key string) bool
	Reserve(key string) (allowed bool, delay time.Duration)
}

// TokenBucketLimiter keyes a golang.org/x/time/rate.Limiter per string
// key (typically producer_id), lazily created on first use.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r events/sec with
// burst b per key.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Reserve checks permission without consuming it on failure, returning
// the delay the caller should wait before retrying.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	lim := l.get(key)
	r := lim.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
