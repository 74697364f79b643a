// Package ratelimit throttles cache hook callers with per-caller token buckets:
// one for requests per minute, one for cache events per minute.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds per-minute request and event allowances for a caller.
// A value of 0 means unlimited.
type Limits struct {
	Requests int64 `yaml:"requests_per_minute"`
	Events   int64 `yaml:"events_per_minute"`
}

// Enabled reports whether any limit is set.
func (l Limits) Enabled() bool { return l.Requests > 0 || l.Events > 0 }

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) take(n float64, limit int64, now time.Time) Result {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return Result{Allowed: true, Limit: limit, Remaining: int64(b.tokens)}
	}
	return Result{Limit: limit, RetryAfterSeconds: (n - b.tokens) / b.rate}
}

// Limiter holds the request and event buckets of one caller.
type Limiter struct {
	mu       sync.Mutex
	requests *bucket // nil if unlimited
	events   *bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
	now      func() time.Time
}

func newLimiter(limits Limits, now func() time.Time) *Limiter {
	t := now()
	l := &Limiter{limits: limits, lastUsed: t, now: now}
	if limits.Requests > 0 {
		l.requests = newBucket(limits.Requests, t)
	}
	if limits.Events > 0 {
		l.events = newBucket(limits.Events, t)
	}
	return l
}

// AllowRequest consumes one request token.
func (l *Limiter) AllowRequest() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastUsed = now
	if l.requests == nil {
		return Result{Allowed: true}
	}
	return l.requests.take(1, l.limits.Requests, now)
}

// AllowEvents consumes n event tokens. A batch larger than the per-minute
// allowance is never allowed.
func (l *Limiter) AllowEvents(n int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastUsed = now
	if l.events == nil || n <= 0 {
		return Result{Allowed: true}
	}
	return l.events.take(float64(n), l.limits.Events, now)
}

// Registry manages per-caller Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	now      func() time.Time
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		now:      time.Now,
	}
}

// GetOrCreate returns the limiter for key, creating one if needed.
// If the limits have changed, a new limiter is created.
func (r *Registry) GetOrCreate(key string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[key]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits, r.now)
	r.limiters[key] = l
	return l
}

// Len returns the number of tracked callers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
