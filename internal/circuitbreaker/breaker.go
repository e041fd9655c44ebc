// Package circuitbreaker stops sending to a broker that keeps failing and
// probes it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = 0
	HalfOpen State = 1
	Open     State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// DefaultConfig returns the thresholds used when a policy enables the breaker
// without tuning it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Validate checks the configuration for errors. A disabled breaker is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuitBreaker.failureThreshold must be >= 1, got %d", c.FailureThreshold))
	}
	if c.SuccessThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuitBreaker.successThreshold must be >= 1, got %d", c.SuccessThreshold))
	}
	if c.ResetTimeout <= 0 {
		errs = append(errs, errors.New("circuitBreaker.resetTimeout must be > 0"))
	}
	return errors.Join(errs...)
}

// Breaker is a three-state circuit breaker: consecutive failures open it, the
// reset timeout moves it to half-open, and enough half-open successes close it.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
	clock     func() time.Time
	onChange  func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) { b.clock = clock }
}

// OnStateChange registers fn to run, under the breaker's lock, on every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{cfg: cfg, state: Closed, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns ErrOpen while the circuit is open and the reset timeout has not
// elapsed. Once it has, the breaker moves to half-open and lets calls through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.clock().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == Open {
		b.openedAt = b.clock()
	}
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
