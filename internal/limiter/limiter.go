// Package limiter implements the upstream cooldown: once the upstream signals
// that it has blocked the scraper, every fetch is suppressed for a fixed window.
package limiter

import (
	"sync"
	"time"
)

// DefaultCooldown is how long fetches stay suppressed after a block signal.
const DefaultCooldown = 10 * time.Minute

// State is the observable limiter state.
type State string

const (
	StateNormal  State = "normal"
	StateCooling State = "cooling"
)

// Cooldown is a two-state machine. It is Cooling while less than the cooldown
// has elapsed since the last Signal and Normal otherwise. There is no timer:
// the state is recomputed on every query.
type Cooldown struct {
	mu         sync.RWMutex
	lastSignal time.Time
	cooldown   time.Duration
	now        func() time.Time
}

// Option configures a Cooldown.
type Option func(*Cooldown)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cooldown) {
		c.now = now
	}
}

// New creates a limiter in the Normal state.
func New(cooldown time.Duration, opts ...Option) *Cooldown {
	c := &Cooldown{
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active reports whether the limiter is Cooling.
func (c *Cooldown) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeAt(c.now())
}

// State returns the current state.
func (c *Cooldown) State() State {
	if c.Active() {
		return StateCooling
	}
	return StateNormal
}

// Signal records an upstream block at the current time. Repeated signals
// restart the window from the latest one.
func (c *Cooldown) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSignal = c.now()
}

// Until returns the end of the current cooldown window, or the zero time when Normal.
func (c *Cooldown) Until() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.activeAt(c.now()) {
		return time.Time{}
	}
	return c.lastSignal.Add(c.cooldown)
}

// activeAt must be called with mu held. A zero lastSignal sits far in the past.
func (c *Cooldown) activeAt(now time.Time) bool {
	if c.lastSignal.IsZero() {
		return false
	}
	return now.Sub(c.lastSignal) < c.cooldown
}
