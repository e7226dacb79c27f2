package admission

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/keel/internal/observability"
)

// ErrRateLimited is returned by AcquireErr when no token is available.
var ErrRateLimited = errors.New("rate limited")

// BucketSettings configures one dependency's token bucket.
type BucketSettings struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// Decision is the outcome of an admission attempt.
type Decision struct {
	Granted bool
	// RetryAfter is how long until a token becomes available. Set only
	// when Granted is false.
	RetryAfter time.Duration
}

type bucket struct {
	capacity   float64
	refillRate float64
	level      float64
	lastRefill time.Time
}

// refill tops up the bucket for the time elapsed since the last refill.
// Level never exceeds capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.level = math.Min(b.capacity, b.level+elapsed*b.refillRate)
	b.lastRefill = now
}

// Limiter gates outbound calls per dependency with token buckets that
// refill continuously. Buckets are created on first use, full.
type Limiter struct {
	buckets   map[string]*bucket
	defaults  BucketSettings
	overrides map[string]BucketSettings
	mu        sync.Mutex
}

// NewLimiter creates a limiter. Non-positive defaults fall back to a
// capacity of 20 tokens refilling at 5 tokens/second.
func NewLimiter(defaults BucketSettings, overrides map[string]BucketSettings) *Limiter {
	if defaults.Capacity <= 0 {
		defaults.Capacity = 20
	}
	if defaults.RefillRate <= 0 {
		defaults.RefillRate = 5
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Acquire attempts to take one token from the dependency's bucket. When
// empty it reports how long until the next token refills.
func (l *Limiter) Acquire(dependency string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.bucketLocked(dependency, now)
	b.refill(now)

	if b.level >= 1 {
		b.level--
		observability.SetLimiterLevel(dependency, b.level)
		return Decision{Granted: true}
	}

	retryAfter := time.Duration((1 - b.level) / b.refillRate * float64(time.Second))
	observability.SetLimiterLevel(dependency, b.level)
	observability.RecordRateLimited(dependency)

	log.Debug().
		Str("dependency", dependency).
		Dur("retry_after", retryAfter).
		Msg("Admission rejected by rate limiter")
	return Decision{Granted: false, RetryAfter: retryAfter}
}

// AcquireErr is Acquire with error-shaped output for call-site wrapping.
func (l *Limiter) AcquireErr(dependency string) (time.Duration, error) {
	d := l.Acquire(dependency)
	if d.Granted {
		return 0, nil
	}
	return d.RetryAfter, ErrRateLimited
}

// Level reports the dependency's current token level after refill.
func (l *Limiter) Level(dependency string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.bucketLocked(dependency, now)
	b.refill(now)
	return b.level
}

// Snapshot returns the current token level per known dependency.
func (l *Limiter) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	levels := make(map[string]float64, len(l.buckets))
	for dep, b := range l.buckets {
		b.refill(now)
		levels[dep] = b.level
	}
	return levels
}

func (l *Limiter) bucketLocked(dependency string, now time.Time) *bucket {
	if b, ok := l.buckets[dependency]; ok {
		return b
	}

	settings := l.defaults
	if override, ok := l.overrides[dependency]; ok {
		if override.Capacity > 0 {
			settings.Capacity = override.Capacity
		}
		if override.RefillRate > 0 {
			settings.RefillRate = override.RefillRate
		}
	}

	b := &bucket{
		capacity:   settings.Capacity,
		refillRate: settings.RefillRate,
		level:      settings.Capacity,
		lastRefill: now,
	}
	l.buckets[dependency] = b
	return b
}
