package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	ncerr "gorelay/internal/errors"
)

// ── Breaker state ────────────────────────────────────────────────────

// State is the position of a target's breaker.
type State int

const (
	// StateClosed lets every dial to the target through.
	StateClosed State = iota
	// StateOpen rejects dials to the target until the cool-down ends.
	StateOpen
	// StateHalfOpen lets one trial dial at a time through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// CircuitBreakerConfig is shared by every target in a [Breakers] set.
type CircuitBreakerConfig struct {
	// MaxFailures is how many dials in a row may fail before the
	// target is cut off (default 5).
	MaxFailures int
	// ResetTimeout is the cool-down before a trial dial is let through
	// (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax is how many trial dials in a row must succeed before
	// the target is trusted again (default 2).
	HalfOpenMax int
	// OnStateChange runs under the breaker's lock on every transition.
	OnStateChange func(target string, from, to State)
}

// DefaultCircuitBreakerConfig returns the relay's defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  2,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	return c
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker gates dials to one relay target.  Callers ask [Breaker.Allow]
// before dialing and report the outcome with [Breaker.Record].
type Breaker struct {
	target string
	cfg    CircuitBreakerConfig
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive failed dials
	successes int // consecutive good trial dials while half-open
	openedAt  time.Time
	trial     bool // a half-open trial dial is in flight
}

// NewBreaker creates a closed breaker for target.  A nil cfg uses
// [DefaultCircuitBreakerConfig].
func NewBreaker(target string, cfg *CircuitBreakerConfig) *Breaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig()
	}
	return &Breaker{target: target, cfg: cfg.withDefaults(), now: time.Now}
}

// Target returns the address this breaker guards.
func (b *Breaker) Target() string { return b.target }

// Allow reports whether a dial may go ahead.  A rejection wraps
// [ncerr.ErrCircuitOpen] and names the target.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		wait := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s failed %d dials in a row, next attempt in %v",
				ncerr.ErrCircuitOpen, b.target, b.failures, wait.Round(time.Second))
		}
		b.moveTo(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.trial {
			return fmt.Errorf("%w: %s is being retried", ncerr.ErrCircuitOpen, b.target)
		}
		b.trial = true
	}
	return nil
}

// Record reports the outcome of a dial Allow let through.  A dial the
// caller cancelled says nothing about the target and is not counted.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			b.moveTo(StateOpen)
		}
		return
	}

	if b.state != StateHalfOpen {
		b.failures = 0
		return
	}
	b.successes++
	if b.successes >= b.cfg.HalfOpenMax {
		b.failures = 0
		b.successes = 0
		b.moveTo(StateClosed)
	}
}

// Do runs dial if Allow permits it and records the result.
func (b *Breaker) Do(dial func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := dial()
	b.Record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of dials in a row that have failed.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset trusts the target again immediately.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes, b.trial = 0, 0, false
	b.moveTo(StateClosed)
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateHalfOpen {
		b.successes = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.target, from, to)
	}
}

// ── Per-target set ───────────────────────────────────────────────────

// Breakers keeps one [Breaker] per "host:port" target.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	byTarget map[string]*Breaker
}

// NewBreakers creates an empty set.  A nil cfg uses
// [DefaultCircuitBreakerConfig].
func NewBreakers(cfg *CircuitBreakerConfig) *Breakers {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig()
	}
	return &Breakers{cfg: cfg.withDefaults(), byTarget: make(map[string]*Breaker)}
}

// For returns the breaker for target, creating it on first use.
func (s *Breakers) For(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byTarget[target]
	if !ok {
		cfg := s.cfg
		b = NewBreaker(target, &cfg)
		s.byTarget[target] = b
	}
	return b
}

// Open lists the targets currently cut off, sorted.
func (s *Breakers) Open() []string {
	s.mu.Lock()
	all := make([]*Breaker, 0, len(s.byTarget))
	for _, b := range s.byTarget {
		all = append(all, b)
	}
	s.mu.Unlock()

	var open []string
	for _, b := range all {
		if b.State() == StateOpen {
			open = append(open, b.target)
		}
	}
	sort.Strings(open)
	return open
}

// Len returns the number of targets seen so far.
func (s *Breakers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTarget)
}
