// Package ratelimit is the in-process write gate used when no shared Redis is
// configured. Limits then apply per API replica.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: map[string][]time.Time{}}
}

func (l *Limiter) Allow(key string, limit int, window time.Duration, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		return Result{Allowed: true}
	}
	cutoff := now.Add(-window)
	history := l.buckets[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	history = kept

	if len(history) >= limit {
		l.buckets[key] = history
		return Result{Allowed: false, Limit: limit, ResetAt: history[0].Add(window)}
	}
	history = append(history, now)
	l.buckets[key] = history
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(history),
		ResetAt:   history[0].Add(window),
	}
}

// Sweep drops keys with no hits inside the window.
func (l *Limiter) Sweep(window time.Duration, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-window)
	dropped := 0
	for key, history := range l.buckets {
		if len(history) == 0 || !history[len(history)-1].After(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Gate applies one limit per key over a fixed window length.
type Gate struct {
	limiter *Limiter
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewGate(limit int, window time.Duration) *Gate {
	return &Gate{limiter: NewLimiter(), limit: limit, window: window, now: time.Now}
}

func (g *Gate) Allow(_ context.Context, key string) (Result, error) {
	return g.limiter.Allow(key, g.limit, g.window, g.now()), nil
}

// Sweep drops idle keys and returns how many were removed.
func (g *Gate) Sweep() int {
	return g.limiter.Sweep(g.window, g.now())
}
