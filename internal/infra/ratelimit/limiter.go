// Package ratelimit enforces per-identity submission rates with token
// buckets. Rejection is synchronous: a submission over the limit fails
// immediately with a retry-after hint rather than queueing.
package ratelimit

import (
	"sync"
	"time"
)

// Config bounds the submission rate per identity.
type Config struct {
	PerMinute int // sustained submissions per minute; <= 0 disables limiting
	Burst     int // bucket capacity (short-burst allowance)
}

// DefaultConfig returns production rate-limit defaults.
func DefaultConfig() Config {
	return Config{PerMinute: 60, Burst: 10}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	OK         bool
	Limit      int           // configured per-minute rate
	Remaining  int           // whole tokens left after this call
	RetryAfter time.Duration // wait before the next token exists; zero when OK
}

// Limiter tracks a token bucket per identity.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	level float64
	last  time.Time
}

// NewLimiter creates a limiter. A non-positive PerMinute admits everything.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for identity, or reports how long until one
// refills. Each identity has its own bucket; exhausting one never affects
// another.
func (l *Limiter) Allow(identity string) Decision {
	if l.cfg.PerMinute <= 0 {
		return Decision{OK: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[identity]
	if b == nil {
		b = &bucket{level: float64(l.cfg.Burst), last: l.now()}
		l.buckets[identity] = b
	}
	l.refill(b)

	if b.level >= 1 {
		b.level--
		return Decision{OK: true, Limit: l.cfg.PerMinute, Remaining: int(b.level)}
	}

	deficit := 1 - b.level
	wait := time.Duration(deficit / l.rate() * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return Decision{Limit: l.cfg.PerMinute, RetryAfter: wait}
}

// Remaining returns the whole tokens currently available to identity
// without consuming any.
func (l *Limiter) Remaining(identity string) int {
	if l.cfg.PerMinute <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[identity]
	if b == nil {
		return l.cfg.Burst
	}
	l.refill(b)
	return int(b.level)
}

// Identities returns how many identities hold a bucket.
func (l *Limiter) Identities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets idle for at least age that have refilled to capacity.
// Called periodically so the identity map does not grow without bound.
func (l *Limiter) Sweep(age time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.last) >= age {
			l.refill(b)
			if b.level >= float64(l.cfg.Burst) {
				delete(l.buckets, id)
				removed++
			}
		}
	}
	return removed
}

// rate is tokens per second.
func (l *Limiter) rate() float64 {
	return float64(l.cfg.PerMinute) / 60.0
}

func (l *Limiter) refill(b *bucket) {
	now := l.now()
	if now.Before(b.last) {
		// Clock went backwards; treat as no elapsed time.
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt <= 0 {
		return
	}
	b.level += dt * l.rate()
	if capacity := float64(l.cfg.Burst); b.level > capacity {
		b.level = capacity
	}
	b.last = now
}
