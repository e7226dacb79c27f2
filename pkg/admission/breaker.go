package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/keel/internal/observability"
)

// State is the circuit breaker state for one tool.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrBreakerOpen is returned when a call is rejected without invoking
// the underlying tool.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings configures failure tracking and cooldown growth.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// FailureWindow bounds how stale the failure streak may be; a
	// failure arriving after the window resets the count to one.
	FailureWindow time.Duration
	// Cooldown is the initial open duration. Each re-open from
	// HALF_OPEN doubles it, capped at MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

type circuit struct {
	state            State
	failures         int
	lastFailure      time.Time
	cooldown         time.Duration
	deadline         time.Time
	halfOpenInFlight bool
}

// Breaker tracks per-tool call outcomes and fails fast while a tool is
// considered down. Shared across every thread calling the same tool.
type Breaker struct {
	circuits map[string]*circuit
	settings BreakerSettings
	mu       sync.Mutex
}

// NewBreaker creates a breaker. Non-positive settings fall back to a
// threshold of 3 failures inside 5 minutes with a 60s cooldown capped
// at 15 minutes.
func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.FailureWindow <= 0 {
		settings.FailureWindow = 5 * time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 60 * time.Second
	}
	if settings.MaxCooldown <= 0 {
		settings.MaxCooldown = 15 * time.Minute
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		settings: settings,
	}
}

// Call invokes fn under the tool's circuit. While OPEN it fails fast
// with ErrBreakerOpen until the cooldown deadline, then admits exactly
// one trial call in HALF_OPEN. Trial success closes the circuit; trial
// failure re-opens it with a doubled cooldown.
func (b *Breaker) Call(ctx context.Context, tool string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.admit(tool); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	b.record(tool, err == nil)
	return result, err
}

// admit decides whether a call may proceed, transitioning OPEN circuits
// to HALF_OPEN when their cooldown has elapsed.
func (b *Breaker) admit(tool string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(tool)
	now := time.Now()

	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(c.deadline) {
			return fmt.Errorf("%w: %s retries at %s", ErrBreakerOpen, tool, c.deadline.Format(time.RFC3339))
		}
		c.state = StateHalfOpen
		c.halfOpenInFlight = true
		b.publishStateLocked(tool, c)
		log.Info().Str("tool", tool).Msg("Circuit breaker half-open, admitting trial call")
		return nil
	case StateHalfOpen:
		if c.halfOpenInFlight {
			return fmt.Errorf("%w: %s trial call in flight", ErrBreakerOpen, tool)
		}
		c.halfOpenInFlight = true
		return nil
	}
	return nil
}

// record applies a call outcome to the tool's circuit.
func (b *Breaker) record(tool string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(tool)
	now := time.Now()

	if success {
		if c.state != StateClosed {
			log.Info().Str("tool", tool).Msg("Circuit breaker closed after successful call")
		}
		c.state = StateClosed
		c.failures = 0
		c.cooldown = b.settings.Cooldown
		c.halfOpenInFlight = false
		b.publishStateLocked(tool, c)
		return
	}

	switch c.state {
	case StateHalfOpen:
		// Trial failed; re-open with a longer cooldown.
		c.cooldown = minDuration(c.cooldown*2, b.settings.MaxCooldown)
		b.openLocked(tool, c, now)
	case StateClosed:
		if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > b.settings.FailureWindow {
			c.failures = 0
		}
		c.failures++
		c.lastFailure = now
		if c.failures >= b.settings.FailureThreshold {
			c.cooldown = b.settings.Cooldown
			b.openLocked(tool, c, now)
		}
	}
}

// State reports the tool's current state, applying any due
// OPEN to HALF_OPEN transition for accurate reporting.
func (b *Breaker) State(tool string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(tool)
	if c.state == StateOpen && !time.Now().Before(c.deadline) {
		return StateHalfOpen
	}
	return c.state
}

// Snapshot returns the state of every known circuit.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	states := make(map[string]State, len(b.circuits))
	for tool, c := range b.circuits {
		s := c.state
		if s == StateOpen && !now.Before(c.deadline) {
			s = StateHalfOpen
		}
		states[tool] = s
	}
	return states
}

func (b *Breaker) openLocked(tool string, c *circuit, now time.Time) {
	c.state = StateOpen
	c.deadline = now.Add(c.cooldown)
	c.halfOpenInFlight = false
	b.publishStateLocked(tool, c)

	log.Warn().
		Str("tool", tool).
		Int("failures", c.failures).
		Dur("cooldown", c.cooldown).
		Msg("Circuit breaker opened")
}

func (b *Breaker) circuitLocked(tool string) *circuit {
	if c, ok := b.circuits[tool]; ok {
		return c
	}
	c := &circuit{state: StateClosed, cooldown: b.settings.Cooldown}
	b.circuits[tool] = c
	return c
}

func (b *Breaker) publishStateLocked(tool string, c *circuit) {
	level := 0
	switch c.state {
	case StateOpen:
		level = 1
	case StateHalfOpen:
		level = 2
	}
	observability.SetBreakerState(tool, level)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
